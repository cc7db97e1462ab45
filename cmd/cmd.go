package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/safeconvert/convert"
	"github.com/jmorganca/safeconvert/envconfig"
	"github.com/jmorganca/safeconvert/logutil"
)

func ConvertHandler(cmd *cobra.Command, _ []string) error {
	src, err := cmd.Flags().GetString("src_directory")
	if err != nil {
		return err
	}

	dst, err := cmd.Flags().GetString("dest_directory")
	if err != nil {
		return err
	}

	dst, err = convert.ConvertDir(src, dst)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "converted %s to %s\n", strings.TrimSpace(src), dst)
	return nil
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "safeconvert",
		Short: "Convert pytorch_model.bin weights to safetensors",
		Long: `Convert the pytorch_model.bin checkpoint in a model directory to a half precision
model.safetensors file. Tensors that share storage are written once and the
remaining metadata files, such as config.json, are copied alongside.`,
		Args: cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			envconfig.LoadConfig()
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
			slog.Debug("config", "env", envconfig.Values())
		},
		RunE: ConvertHandler,
	}

	rootCmd.Flags().String("src_directory", "", "Path to the directory which contains the pytorch_model.bin file")
	rootCmd.Flags().String("dest_directory", "", "Path to the directory where the model in safetensors format and related JSON files will be stored (default \"<src_directory>/<name>_safetensors\")")
	_ = rootCmd.MarkFlagRequired("src_directory")

	envVars := envconfig.AsMap()
	appendEnvDocs(rootCmd, []envconfig.EnvVar{envVars["SAFECONVERT_DEBUG"]})

	return rootCmd
}
