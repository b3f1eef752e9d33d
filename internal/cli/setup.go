package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/download"
	"github.com/helberjf/video-transcript/internal/whisper"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify the local speech model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ref := app.cfg.WhisperModel
			if cmd.Flags().Changed("model") {
				ref = app.model
			}
			dir := app.cfg.WhisperModelDir

			resolved, err := whisper.Resolve(ref, dir)
			if err != nil {
				return err
			}
			if resolved.Custom {
				fmt.Fprintf(app.out, "Using custom model at %s\n", resolved.Path)
				return nil
			}

			if !resolved.NeedsDownload && resolved.SHA256 != "" {
				if err := download.VerifyFile(resolved.Path, resolved.SHA256); err != nil {
					app.log().Warn("model checksum verification failed; downloading fresh copy",
						zap.String("model", resolved.Name), zap.Error(err))
					if err := os.Remove(resolved.Path); err != nil {
						return fmt.Errorf("remove corrupt model: %w", err)
					}
					resolved.NeedsDownload = true
				}
			}
			if !resolved.NeedsDownload {
				fmt.Fprintf(app.out, "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}

			resolved, err = whisper.Ensure(cmd.Context(), ref, dir, true, !app.noProgress, app.log())
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "Model %s installed at %s\n", resolved.Name, resolved.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&app.model, "model", "", "Model name or model file path (overrides WHISPER_MODEL)")
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", false, "Disable the download progress bar")
	return cmd
}
