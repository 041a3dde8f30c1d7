package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/config"
)

func newRootCommand() *cobra.Command {
	var configPath, envFile string

	root := &cobra.Command{
		Use:   "mqtt-broker",
		Short: "IoT MQTT broker",
		Long: `IoT MQTT broker with topic routing, retained messages, ACL,
persistent sessions and an event bus bridge.

Configuration is read from a JSON file (created with defaults when missing),
an optional .env file and LSMQ_ prefixed environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main 统一输出错误
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFile)
			if errors.Is(err, config.ErrConfigCreated) {
				return fmt.Errorf("%w (%s)", err, configPath)
			}
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path of the JSON configuration file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before environment overrides")

	root.AddCommand(newHashPasswordCommand())
	return root
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an argon2id hash for auth.users[].password_hash",
		Long: `Print an argon2id PHC string for the static authenticator.

The password is read from the first argument, or from stdin when omitted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
