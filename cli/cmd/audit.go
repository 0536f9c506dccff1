package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/fanvault/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditVaultID       string
	auditKeyID         string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze the audit log",
	Long: `Query the local audit trail.

Provides event filtering by time, action, key, vault and success/failure,
plus summary statistics and JSON export for compliance reporting.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Failed events in the last 24 hours
  fanvault audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # All lifecycle changes for one key
  fanvault audit query --key-id "a1b2c3d4e5f60718"

  # Seal history for one vault
  fanvault audit query --vault-id <id> --action vault_sealed

  # Custom time range
  fanvault audit query --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"`,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long: `Show failed operations for security monitoring.

Examples:
  # Failures in the last week
  fanvault audit failures --since "$(date -d '7 days ago' -Iseconds)"`,
	RunE: runAuditFailures,
}

var auditKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show key operation audit events",
	Long: `Show audit events related to key operations (registration, lifecycle
transitions, attachments, destruction).`,
	RunE: runAuditKeys,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events for compliance",
	Long: `Export audit events as JSON for compliance reporting.

Examples:
  fanvault audit export --since "2026-01-01T00:00:00Z" > audit-report.json`,
	RunE: runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditKeysCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditVaultID, "vault-id", "", "Filter by vault ID")
	auditQueryCmd.Flags().StringVar(&auditKeyID, "key-id", "", "Filter by key ID")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")

	auditKeysCmd.Flags().StringVar(&auditKeyID, "key-id", "", "Filter by specific key ID")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	return displayAuditEvents(result.Events)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	// Force failures-only
	falseVal := false
	options.Success = &falseVal

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit failures: %w", err)
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("Failed Operations\n")
	fmt.Printf("═══════════════════════════════════════\n")
	return displayAuditEvents(result.Events)
}

func runAuditKeys(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query key operations: %w", err)
	}

	var keyEvents []audit.Event
	for _, event := range result.Events {
		if event.KeyID != "" || isKeyAction(event.Action) {
			keyEvents = append(keyEvents, event)
		}
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(keyEvents)
	}

	fmt.Printf("Key Operations\n")
	fmt.Printf("═══════════════════════════════════════\n")
	return displayAuditEvents(keyEvents)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to export audit log: %w", err)
	}

	exportData := map[string]interface{}{
		"export_timestamp": time.Now().UTC(),
		"query_options":    options,
		"event_count":      len(result.Events),
		"events":           result.Events,
	}

	return json.NewEncoder(os.Stdout).Encode(exportData)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 10000 // Get more events for stats

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to get audit stats: %w", err)
	}

	stats := calculateAuditStats(result.Events)

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(stats)
	}
	return displayAuditStats(stats)
}

// Helper functions
func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:  auditLimit,
		Offset: auditOffset,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	options.Action = auditAction
	options.VaultID = auditVaultID
	options.KeyID = auditKeyID

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		// Detailed view
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)

			status := "SUCCESS"
			if !event.Success {
				status = "FAILED"
			}
			fmt.Fprintf(w, "Status:\t%s\n", status)

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.VaultID != "" {
				fmt.Fprintf(w, "Vault ID:\t%s\n", event.VaultID)
			}
			if event.KeyID != "" {
				fmt.Fprintf(w, "Key ID:\t%s\n", event.KeyID)
			}
			if event.Actor != "" {
				fmt.Fprintf(w, "Actor:\t%s\n", event.Actor)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for k, v := range event.Metadata {
					fmt.Fprintf(w, "%s=%v ", k, v)
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
	} else {
		// Compact table view
		fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tVAULT\tKEY\tERROR\n")

		for _, event := range events {
			timestamp := event.Timestamp.Format("2006-01-02 15:04:05")

			status := "SUCCESS"
			if !event.Success {
				status = "FAILED"
			}

			vaultID := event.VaultID
			if len(vaultID) > 12 {
				vaultID = vaultID[:12] + "..."
			}

			keyID := event.KeyID
			if len(keyID) > 12 {
				keyID = keyID[:12] + "..."
			}

			errorMsg := event.Error
			if len(errorMsg) > 30 {
				errorMsg = errorMsg[:30] + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				timestamp, event.Action, status, vaultID, keyID, errorMsg)
		}
	}

	return w.Flush()
}

// AuditStats represents comprehensive audit statistics
type AuditStats struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	TimeRange          string         `json:"time_range"`
	TotalEvents        int            `json:"total_events"`
	SuccessfulEvents   int            `json:"successful_events"`
	FailedEvents       int            `json:"failed_events"`
	SuccessRate        float64        `json:"success_rate"`
	ActionBreakdown    map[string]int `json:"action_breakdown"`
	DailyDistribution  map[string]int `json:"daily_distribution"`
	TopFailedActions   []ActionCount  `json:"top_failed_actions"`
	TopVaults          []VaultCount   `json:"top_vaults"`
	TopKeys            []KeyCount     `json:"top_keys"`
	FirstEvent         *time.Time     `json:"first_event,omitempty"`
	LastEvent          *time.Time     `json:"last_event,omitempty"`
	SealOperations     int            `json:"seal_operations"`
	KeyOperations      int            `json:"key_operations"`
	RecoveryOperations int            `json:"recovery_operations"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type VaultCount struct {
	VaultID string `json:"vault_id"`
	Count   int    `json:"count"`
}

type KeyCount struct {
	KeyID string `json:"key_id"`
	Count int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		DailyDistribution: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)

	failedActions := make(map[string]int)
	vaultCounts := make(map[string]int)
	keyCounts := make(map[string]int)

	for _, event := range events {
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++

		day := event.Timestamp.Format("2006-01-02")
		stats.DailyDistribution[day]++

		if event.VaultID != "" {
			vaultCounts[event.VaultID]++
		}
		if event.KeyID != "" {
			keyCounts[event.KeyID]++
		}

		switch {
		case isSealAction(event.Action):
			stats.SealOperations++
		case isKeyAction(event.Action):
			stats.KeyOperations++
		case isRecoveryAction(event.Action):
			stats.RecoveryOperations++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			t := event.Timestamp
			stats.FirstEvent = &t
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			t := event.Timestamp
			stats.LastEvent = &t
		}
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	}

	stats.TopFailedActions = getTopActions(failedActions, 5)
	stats.TopVaults = getTopVaults(vaultCounts, 10)
	stats.TopKeys = getTopKeys(keyCounts, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)",
			duration.String(), duration.Hours())
	}

	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)

	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	fmt.Printf("\nOPERATION BREAKDOWN\n")
	fmt.Printf("──────────────────\n")
	fmt.Printf("Seal/Unseal Operations: %d\n", stats.SealOperations)
	fmt.Printf("Key Operations: %d\n", stats.KeyOperations)
	fmt.Printf("Recovery Operations: %d\n", stats.RecoveryOperations)

	if len(stats.ActionBreakdown) > 0 {
		fmt.Printf("\nTOP ACTIONS\n")
		fmt.Printf("───────────\n")

		type actionStat struct {
			action string
			count  int
		}

		var actions []actionStat
		for action, count := range stats.ActionBreakdown {
			actions = append(actions, actionStat{action, count})
		}

		sort.Slice(actions, func(i, j int) bool {
			return actions[i].count > actions[j].count
		})

		for i, action := range actions {
			if i >= 10 { // Top 10
				break
			}
			fmt.Printf("  %s: %d\n", action.action, action.count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", action.Action, action.Count)
		}
	}

	if len(stats.TopVaults) > 0 {
		fmt.Printf("\nMOST ACTIVE VAULTS\n")
		fmt.Printf("─────────────────\n")
		for i, vault := range stats.TopVaults {
			if i >= 5 { // Top 5
				break
			}
			fmt.Printf("  %s: %d events\n", vault.VaultID, vault.Count)
		}
	}

	if len(stats.TopKeys) > 0 {
		fmt.Printf("\nMOST USED KEYS\n")
		fmt.Printf("──────────────\n")
		for i, key := range stats.TopKeys {
			if i >= 5 { // Top 5
				break
			}
			fmt.Printf("  %s: %d operations\n", key.KeyID, key.Count)
		}
	}

	return nil
}

func getTopActions(actionCounts map[string]int, limit int) []ActionCount {
	var actions []ActionCount
	for action, count := range actionCounts {
		actions = append(actions, ActionCount{Action: action, Count: count})
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Count > actions[j].Count
	})

	if len(actions) > limit {
		actions = actions[:limit]
	}

	return actions
}

func getTopVaults(vaultCounts map[string]int, limit int) []VaultCount {
	var vaults []VaultCount
	for vaultID, count := range vaultCounts {
		vaults = append(vaults, VaultCount{VaultID: vaultID, Count: count})
	}

	sort.Slice(vaults, func(i, j int) bool {
		return vaults[i].Count > vaults[j].Count
	})

	if len(vaults) > limit {
		vaults = vaults[:limit]
	}

	return vaults
}

func getTopKeys(keyCounts map[string]int, limit int) []KeyCount {
	var keys []KeyCount
	for keyID, count := range keyCounts {
		keys = append(keys, KeyCount{KeyID: keyID, Count: count})
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Count > keys[j].Count
	})

	if len(keys) > limit {
		keys = keys[:limit]
	}

	return keys
}

func isSealAction(action string) bool {
	sealActions := map[string]bool{
		"vault_sealed":       true,
		"vault_unsealed":     true,
		"integrity_mismatch": true,
	}
	return sealActions[action]
}

func isKeyAction(action string) bool {
	keyActions := map[string]bool{
		"key_registered":  true,
		"key_attached":    true,
		"key_detached":    true,
		"key_deactivated": true,
		"key_restored":    true,
		"key_compromised": true,
		"key_destroyed":   true,
		"keys_swept":      true,
	}
	return keyActions[action]
}

func isRecoveryAction(action string) bool {
	recoveryActions := map[string]bool{
		"vault_reconciled":    true,
		"recipients_imported": true,
	}
	return recoveryActions[action]
}
