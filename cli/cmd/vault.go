package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/fanvault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Seal, unseal and inspect vaults",
	Long: `Seal files into an encrypted archive addressed to up to four keys,
unseal archives with any single one of them, and inspect vault state.`,
}

var vaultSealCmd = &cobra.Command{
	Use:   "seal <path>...",
	Short: "Encrypt files into a sealed archive",
	Long: `Bundle the given files and directories and encrypt them to every
recipient key at once. Any single recipient can later decrypt the archive.
The archive is written atomically; an interrupted seal leaves nothing behind.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVaultSeal,
}

var vaultUnsealCmd = &cobra.Command{
	Use:   "unseal <archive>",
	Short: "Decrypt a sealed archive",
	Long: `Decrypt an archive with the local passphrase identity and extract its
files. Integrity mismatches against the manifest are reported as warnings;
the files are still delivered. An archive with no local manifest triggers
recovery: the manifest is rebuilt from the decrypted contents.`,
	Args: cobra.ExactArgs(1),
	RunE: runVaultUnseal,
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known vaults",
	RunE:  runVaultList,
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status <vault-id>",
	Short: "Show the derived status of a vault",
	Long: `Show the vault's status, derived from what is present: draft,
encrypted, manifest_only or archive_only.`,
	Args: cobra.ExactArgs(1),
	RunE: runVaultStatus,
}

var vaultAnalyzeCmd = &cobra.Command{
	Use:   "analyze <archive>",
	Short: "Inspect an archive without a key",
	Long: `Read an archive's plaintext header and file name to report what can be
known without decrypting: vault identity, creation time, and whether local
metadata exists or recovery would be needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runVaultAnalyze,
}

var vaultRecoverCmd = &cobra.Command{
	Use:   "recover <archive>",
	Short: "Decrypt an archive and rebuild its local metadata",
	Long: `Unseal an archive on a machine that has no manifest for it. After a
successful decrypt the manifest is reconstructed from the file set and the
key used is registered and attached. The ciphertext is never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: runVaultUnseal,
}

var vaultStatsCmd = &cobra.Command{
	Use:   "stats <vault-id>",
	Short: "Show vault statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultStats,
}

var (
	sealVaultID    string
	sealVaultName  string
	sealRecipients []string
	sealOutputDir  string
	unsealOutDir   string
	showProgress   bool
)

func init() {
	rootCmd.AddCommand(vaultCmd)

	vaultCmd.AddCommand(vaultSealCmd)
	vaultCmd.AddCommand(vaultUnsealCmd)
	vaultCmd.AddCommand(vaultListCmd)
	vaultCmd.AddCommand(vaultStatusCmd)
	vaultCmd.AddCommand(vaultAnalyzeCmd)
	vaultCmd.AddCommand(vaultRecoverCmd)
	vaultCmd.AddCommand(vaultStatsCmd)

	vaultCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	vaultCmd.PersistentFlags().BoolVar(&showProgress, "progress", false, "Report progress while working")

	vaultSealCmd.Flags().StringVar(&sealVaultID, "vault", "", "Existing vault ID to re-seal")
	vaultSealCmd.Flags().StringVar(&sealVaultName, "name", "", "Vault name (creates the vault on first seal)")
	vaultSealCmd.Flags().StringSliceVar(&sealRecipients, "recipient", nil, "Recipient key ID (repeatable, 1 to 4)")
	vaultSealCmd.Flags().StringVarP(&sealOutputDir, "output", "o", ".", "Directory for the sealed archive")

	vaultUnsealCmd.Flags().StringVarP(&unsealOutDir, "output", "o", ".", "Directory for the extracted files")
	vaultRecoverCmd.Flags().StringVarP(&unsealOutDir, "output", "o", ".", "Directory for the extracted files")
}

func progressFunc() fanvault.Progress {
	if !showProgress {
		return nil
	}
	return func(stage, name string, current, total int) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "%s: %s (%d/%d)\n", stage, name, current, total)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %s\n", stage, name)
		}
	}
}

func runVaultSeal(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	result, err := engine.Seal(cmdContext(), fanvault.SealRequest{
		VaultID:      sealVaultID,
		Name:         sealVaultName,
		RecipientIDs: sealRecipients,
		Paths:        args,
		OutputDir:    sealOutputDir,
		Progress:     progressFunc(),
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result), started)
	}

	fmt.Printf("Sealed vault %s (%s)\n", result.Manifest.VaultID, result.Manifest.Name)
	fmt.Printf("  Archive: %s\n", result.ArchivePath)
	fmt.Printf("  Files: %d, recipients: %d, encryption #%d\n",
		len(result.Files), len(result.Manifest.Envelope), result.Manifest.EncryptionCount)
	return auditCmdComplete(cmd, nil, started)
}

func runVaultUnseal(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	identity, err := requireIdentity("")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := engine.Unseal(cmdContext(), fanvault.UnsealRequest{
		ArchivePath: args[0],
		Identity:    identity,
		OutputDir:   unsealOutDir,
		Progress:    progressFunc(),
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result), started)
	}

	fmt.Printf("Unsealed vault %s (%s): %d file(s) extracted to %s\n",
		result.VaultID, result.VaultName, len(result.Files), unsealOutDir)
	if result.RecoveryMode {
		fmt.Printf("  Recovery: local metadata was rebuilt from the archive\n")
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: integrity mismatch for %s\n", w.Path)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runVaultList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	ids, err := manifests.List()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if len(ids) == 0 {
		fmt.Println("No vaults found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VAULT ID\tNAME\tKEYS\tFILES\tENCRYPTIONS\tLAST SEALED\n")
	for _, id := range ids {
		m, err := manifests.Load(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load manifest %s: %v\n", id, err)
			continue
		}
		lastSealed := "-"
		if m.LastSealedAt != nil {
			lastSealed = m.LastSealedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			m.VaultID, m.Name, len(m.Envelope), len(m.Files), m.EncryptionCount, lastSealed)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runVaultStatus(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	status, err := engine.Status(args[0], "")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(map[string]string{
			"vault_id": args[0],
			"status":   string(status),
		}), started)
	}

	fmt.Printf("Vault %s: %s\n", args[0], status)
	return auditCmdComplete(cmd, nil, started)
}

func runVaultAnalyze(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	analysis, err := reconciler.Analyze(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(analysis), started)
	}

	fmt.Printf("Archive: %s\n", args[0])
	fmt.Printf("  Vault name: %s\n", analysis.VaultName)
	if analysis.VaultID != "" {
		fmt.Printf("  Vault ID: %s\n", analysis.VaultID)
	}
	if analysis.CreatedAt != nil {
		fmt.Printf("  Created: %s\n", analysis.CreatedAt.Format(time.RFC3339))
	}
	if analysis.SealedOn != "" {
		fmt.Printf("  Sealed on: %s\n", analysis.SealedOn)
	}
	fmt.Printf("  Local manifest: %v\n", analysis.ManifestExists)
	if analysis.RecoveryMode {
		fmt.Printf("  Recovery mode: unsealing will rebuild local metadata\n")
	}
	for _, r := range analysis.AssociatedKeys {
		fmt.Printf("  Recipient: %s (%s, %s)\n", r.KeyID, r.Label, r.Kind)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runVaultStats(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	m, err := manifests.Load(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	stats := m.Statistics()

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(stats), started)
	}

	fmt.Printf("Vault %s (%s)\n", m.VaultID, m.Name)
	fmt.Printf("  Keys: %d\n", stats.KeyCount)
	fmt.Printf("  Files: %d\n", stats.FileCount)
	fmt.Printf("  Total size: %d bytes\n", stats.TotalSize)
	fmt.Printf("  Encryptions: %d\n", stats.EncryptionCount)
	return auditCmdComplete(cmd, nil, started)
}
