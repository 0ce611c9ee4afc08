package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvcrn/colorbot-proxy/internal/credentials"
)

func newSetKeyCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "set-key [api-key]",
		Short: "Store the backend API key for the fs credentials source",
		Long: `Store the backend API key in a credentials file readable only by the
current user. The key is read from stdin when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no API key given on stdin")
				}
				key = line
			}
			key = strings.TrimSpace(key)

			if err := credentials.WriteAPIKey(path, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "creds", credentials.DefaultCredsPath(), "Path to credentials.json")
	return cmd
}
