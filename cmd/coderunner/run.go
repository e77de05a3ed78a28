package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coderunner"
	"coderunner/cmd/coderunner/ui"
	"coderunner/pkg/sdk/client"

	"github.com/spf13/cobra"
)

// extLanguages maps source file extensions to runtime languages for
// the common cases; --lang overrides.
var extLanguages = map[string]string{
	".py":  "python",
	".js":  "javascript",
	".mjs": "javascript",
	".go":  "go",
	".c":   "c",
	".sql": "sql",
}

func runCmd(cn *conn) *cobra.Command {
	var lang string
	var session string
	var entry string

	cmd := &cobra.Command{
		Use:   "run [flags] FILE...",
		Short: "Execute source files and print their output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]coderunner.SourceFile, 0, len(args))
			for i, arg := range args {
				content, err := os.ReadFile(arg)
				if err != nil {
					return err
				}
				files = append(files, coderunner.SourceFile{
					Name:     filepath.Base(arg),
					Content:  string(content),
					ToBeExec: i == 0 && entry == "",
				})
			}
			if lang == "" {
				lang = extLanguages[strings.ToLower(filepath.Ext(args[0]))]
				if lang == "" {
					return fmt.Errorf("cannot infer language from %q, use --lang", args[0])
				}
			}

			c, err := newClient(cn)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.Execute(cmd.Context(), client.ExecuteRequest{
				SessionID: session,
				Language:  lang,
				EntryPath: entry,
				Files:     files,
			})
			if err != nil {
				if coderunner.IsRetriable(err) {
					fmt.Fprintln(os.Stderr, ui.Muted("the lab is busy, try again shortly"))
				}
				return err
			}

			fmt.Print(result.Stdout)
			fmt.Fprint(os.Stderr, result.Stderr)
			if result.Truncated {
				fmt.Fprintln(os.Stderr, ui.Warn("output truncated"))
			}
			if ui.IsInteractive() {
				elapsed := time.Duration(result.ExecutionTimeMs) * time.Millisecond
				fmt.Fprintln(os.Stderr, ui.Muted(fmt.Sprintf("exit %d in %s", result.ExitCode, elapsed)))
			}
			if result.ExitCode != 0 {
				os.Exit(exitStatus(result.ExitCode))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&lang, "lang", "", "Runtime language (inferred from extension when empty)")
	cmd.Flags().StringVar(&session, "session", "", "Session id for warm-container reuse")
	cmd.Flags().StringVar(&entry, "entry", "", "Entry-point path inside the submitted files")
	return cmd
}

// exitStatus clamps the remote exit code into the shell's range.
// Synthetic negative codes become 1.
func exitStatus(code int) int {
	if code < 0 {
		return 1
	}
	if code > 125 {
		return 125
	}
	return code
}
