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

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
	Long:  `Manage the local key registry: register, list, attach and detach keys, and drive their lifecycle.`,
}

var keyRegisterCmd = &cobra.Command{
	Use:   "register <label>",
	Short: "Register a new key",
	Long: `Register a new key in the registry. A passphrase key derives its key
pair from the current passphrase and the installation salt; a hardware key
records a device reference and serial.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyRegister,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered keys",
	Long:  `List registered keys with their lifecycle status, availability and vault associations.`,
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <key-id>",
	Short: "Show detailed information about a key",
	Long:  `Display a key's full record including its lifecycle history and vault associations.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyAttachCmd = &cobra.Command{
	Use:   "attach <key-id> <vault-id>",
	Short: "Attach a key to a vault",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyAttach,
}

var keyDetachCmd = &cobra.Command{
	Use:   "detach <key-id> <vault-id>",
	Short: "Detach a key from a vault",
	Long: `Detach a key from a vault. A key that is part of the vault's sealed
envelope cannot be detached until the vault is re-encrypted without it.`,
	Args: cobra.ExactArgs(2),
	RunE: runKeyDetach,
}

var keyDeactivateCmd = &cobra.Command{
	Use:   "deactivate <key-id>",
	Short: "Deactivate a key, starting its grace window",
	Long: `Deactivate a key. The key can be restored to its prior status until the
grace window elapses; after that it is destroyed by the next sweep. Keys
still present in any sealed envelope are not eligible.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyDeactivate,
}

var keyRestoreCmd = &cobra.Command{
	Use:   "restore <key-id>",
	Short: "Restore a deactivated key within its grace window",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRestore,
}

var keyCompromiseCmd = &cobra.Command{
	Use:   "compromise <key-id>",
	Short: "Mark a key as compromised",
	Long:  `Mark a key as compromised. A compromised key can no longer receive new envelopes; its only remaining transition is destruction.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyCompromise,
}

var keyDestroyCmd = &cobra.Command{
	Use:   "destroy <key-id>",
	Short: "Destroy a deactivated or compromised key",
	Long: `Permanently destroy a key. Its wrapped material is purged; the registry
entry and its history remain, hidden from default listings. Irreversible.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyDestroy,
}

var keySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Destroy deactivated keys past their grace window",
	RunE:  runKeySweep,
}

var keyExportCmd = &cobra.Command{
	Use:   "export <key-id>",
	Short: "Export a key's private material to a passphrase-sealed file",
	Long: `Export a passphrase key's private material, sealed under a separate
export passphrase, so it can be imported on another machine. The local
passphrase must correspond to the key being exported.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyExport,
}

var keyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a key from an exported file",
	Long: `Import a previously exported key. The key is registered, its wrapped
material is stored so it reports as connected, and its recorded label and
public key are preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyImport,
}

// Flags
var (
	jsonOutput       bool
	keyKind          string
	keyMaterialRef   string
	keyVaultFilter   string
	keyConnectedOnly bool
	keyAvailableFor  string
	includeDestroyed bool
	lifecycleReason  string
	destroyConfirm   bool
	exportPassphrase string
	exportOutput     string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyRegisterCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyAttachCmd)
	keysCmd.AddCommand(keyDetachCmd)
	keysCmd.AddCommand(keyDeactivateCmd)
	keysCmd.AddCommand(keyRestoreCmd)
	keysCmd.AddCommand(keyCompromiseCmd)
	keysCmd.AddCommand(keyDestroyCmd)
	keysCmd.AddCommand(keySweepCmd)
	keysCmd.AddCommand(keyExportCmd)
	keysCmd.AddCommand(keyImportCmd)

	keysCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	keyRegisterCmd.Flags().StringVar(&keyKind, "kind", "passphrase", "Key kind (passphrase, hardware)")
	keyRegisterCmd.Flags().StringVar(&keyMaterialRef, "material-ref", "", "Material reference (hardware device ref or stored blob id)")

	keyListCmd.Flags().StringVar(&keyVaultFilter, "vault", "", "Only keys attached to this vault")
	keyListCmd.Flags().BoolVar(&keyConnectedOnly, "connected", false, "Only keys whose material is reachable now")
	keyListCmd.Flags().StringVar(&keyAvailableFor, "available-for", "", "Only keys that could still be attached to this vault")
	keyListCmd.Flags().BoolVar(&includeDestroyed, "include-destroyed", false, "Include destroyed keys")

	keyDeactivateCmd.Flags().StringVar(&lifecycleReason, "reason", "operator request", "Reason recorded in the lifecycle history")
	keyCompromiseCmd.Flags().StringVar(&lifecycleReason, "reason", "reported compromised", "Reason recorded in the lifecycle history")
	keyDestroyCmd.Flags().StringVar(&lifecycleReason, "reason", "operator request", "Reason recorded in the lifecycle history")
	keyDestroyCmd.Flags().BoolVar(&destroyConfirm, "yes", false, "Skip the confirmation prompt")

	keyExportCmd.Flags().StringVar(&exportPassphrase, "export-passphrase", "", "Passphrase sealing the exported file")
	keyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default <label>.fvkey)")
	keyImportCmd.Flags().StringVar(&exportPassphrase, "export-passphrase", "", "Passphrase the file was sealed with")
}

func runKeyRegister(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	label := args[0]

	params := fanvault.NewKeyParams{
		Kind:        fanvault.KeyKind(keyKind),
		Label:       label,
		MaterialRef: keyMaterialRef,
	}

	if params.Kind == fanvault.KindPassphrase {
		identity, err := requireIdentity(label)
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		if identity.KeyID != "" {
			return auditCmdComplete(cmd, fmt.Errorf("this passphrase is already registered as key %s", identity.KeyID), started)
		}
		params.PublicKey = identity.PublicKey

		if params.MaterialRef == "" {
			ref, err := fanvault.StoreIdentityMaterial(store, identity, passphrase)
			if err != nil {
				return auditCmdComplete(cmd, err, started)
			}
			params.MaterialRef = ref
		}
	}

	id, err := registry.RegisterKey(params)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Registered %s key %s (%s)\n", params.Kind, id, label)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	filter := fanvault.ListFilter{Scope: fanvault.FilterAll, IncludeDestroyed: includeDestroyed}
	switch {
	case keyConnectedOnly:
		filter.Scope = fanvault.FilterConnectedOnly
	case keyVaultFilter != "":
		filter.Scope = fanvault.FilterForVault
		filter.VaultID = keyVaultFilter
	case keyAvailableFor != "":
		filter.Scope = fanvault.FilterAvailableForVault
		filter.VaultID = keyAvailableFor
	}

	listings, err := registry.List(cmdContext(), filter)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(listings), started)
	}

	if len(listings) == 0 {
		fmt.Println("No keys found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tLABEL\tKIND\tSTATUS\tAVAILABILITY\tVAULTS\tCREATED\n")
	for _, l := range listings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			l.Key.ID,
			l.Key.Label,
			l.Key.Kind,
			l.Key.Lifecycle,
			l.Availability,
			len(l.Key.Vaults),
			l.Key.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	key, err := registry.Get(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(key), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", key.ID)
	fmt.Fprintf(w, "Label:\t%s\n", key.Label)
	fmt.Fprintf(w, "Kind:\t%s\n", key.Kind)
	fmt.Fprintf(w, "Status:\t%s\n", key.Lifecycle)
	fmt.Fprintf(w, "Created:\t%s\n", key.CreatedAt.Format(time.RFC3339))
	if key.LastUsedAt != nil {
		fmt.Fprintf(w, "Last used:\t%s\n", key.LastUsedAt.Format(time.RFC3339))
	}
	if key.DeactivatedAt != nil {
		fmt.Fprintf(w, "Deactivated:\t%s\n", key.DeactivatedAt.Format(time.RFC3339))
	}
	if key.PublicKey != "" {
		fmt.Fprintf(w, "Public key:\t%s\n", key.PublicKey)
	}
	if len(key.Vaults) > 0 {
		fmt.Fprintf(w, "Vaults:\t%v\n", key.Vaults)
	}
	w.Flush()

	if len(key.History) > 0 {
		fmt.Printf("\nLifecycle history:\n")
		hw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(hw, "WHEN\tFROM\tTO\tREASON\tACTOR\n")
		for _, h := range key.History {
			fmt.Fprintf(hw, "%s\t%s\t%s\t%s\t%s\n",
				h.Timestamp.Format("2006-01-02 15:04:05"), h.From, h.To, h.Reason, h.Actor)
		}
		hw.Flush()
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyAttach(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := registry.Attach(args[0], args[1])
	if err == nil {
		fmt.Printf("Attached key %s to vault %s\n", args[0], args[1])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyDetach(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := registry.Detach(args[0], args[1])
	if err == nil {
		fmt.Printf("Detached key %s from vault %s\n", args[0], args[1])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyDeactivate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := registry.Deactivate(args[0], lifecycleReason)
	if err == nil {
		fmt.Printf("Deactivated key %s. It can be restored until the grace window elapses.\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := registry.Restore(args[0])
	if err == nil {
		fmt.Printf("Restored key %s\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyCompromise(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := registry.MarkCompromised(args[0], lifecycleReason)
	if err == nil {
		fmt.Printf("Marked key %s as compromised\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyDestroy(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !destroyConfirm {
		if !promptConfirmation(fmt.Sprintf("Destroy key %s? Data encrypted solely to it becomes unrecoverable", args[0])) {
			fmt.Println("Aborted.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	err := registry.Destroy(args[0], lifecycleReason)
	if err == nil {
		fmt.Printf("Destroyed key %s\n", args[0])
	}
	return auditCmdComplete(cmd, err, started)
}

func runKeyExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	key, err := registry.Get(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if key.Kind != fanvault.KindPassphrase {
		return auditCmdComplete(cmd, fmt.Errorf("only passphrase keys can be exported"), started)
	}
	if exportPassphrase == "" {
		return auditCmdComplete(cmd, fmt.Errorf("an export passphrase is required. Use --export-passphrase"), started)
	}

	identity := &fanvault.Identity{
		KeyID:     key.ID,
		Kind:      key.Kind,
		Label:     key.Label,
		PublicKey: key.PublicKey,
	}

	// Prefer stored material; fall back to deriving from the local passphrase.
	if key.MaterialRef != "" && passphrase != "" {
		identity.Private, err = fanvault.LoadIdentityMaterial(store, key.MaterialRef, passphrase)
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	} else {
		derived, err := requireIdentity(key.Label)
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		if derived.PublicKey != key.PublicKey {
			return auditCmdComplete(cmd, fmt.Errorf("the local passphrase does not correspond to key %s", key.ID), started)
		}
		identity.Private = derived.Private
	}

	data, err := fanvault.ExportIdentity(identity, exportPassphrase)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	output := exportOutput
	if output == "" {
		output = key.Label + ".fvkey"
	}
	if err := os.WriteFile(output, data, 0600); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write export: %w", err), started)
	}

	fmt.Printf("Exported key %s to %s\n", key.ID, output)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if exportPassphrase == "" {
		return auditCmdComplete(cmd, fmt.Errorf("an export passphrase is required. Use --export-passphrase"), started)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read export file: %w", err), started)
	}

	identity, err := fanvault.ImportIdentity(data, exportPassphrase)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	params := fanvault.NewKeyParams{
		Kind:      identity.Kind,
		Label:     identity.Label,
		PublicKey: identity.PublicKey,
	}
	if passphrase != "" {
		ref, err := fanvault.StoreIdentityMaterial(store, identity, passphrase)
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		params.MaterialRef = ref
	}

	id, err := registry.RegisterKey(params)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Imported %s key %s (%s)\n", params.Kind, id, params.Label)
	return auditCmdComplete(cmd, nil, started)
}

func runKeySweep(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	swept, err := registry.SweepExpired()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if len(swept) == 0 {
		fmt.Println("No expired keys.")
	} else {
		fmt.Printf("Destroyed %d expired key(s): %v\n", len(swept), swept)
	}
	return auditCmdComplete(cmd, nil, started)
}
