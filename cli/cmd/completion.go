package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(fanvault completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  fanvault completion bash > /etc/bash_completion.d/fanvault
  # macOS:
  $ fanvault completion bash >  $ (brew --prefix)/etc/bash_completion.d/fanvault

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ fanvault completion zsh > "${fpath[1]}/_fanvault"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  fanvault completion fish | source

  # To load completions for each session, execute once:
   $  fanvault completion fish > ~/.config/fish/completions/fanvault.fish

PowerShell:
  PS> fanvault completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> fanvault completion powershell > fanvault.ps1
  PS> . fanvault.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run:                   generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) {
	switch args[0] {
	case "bash":
		cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
}
