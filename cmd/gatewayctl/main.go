package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "cmd/gatewayctl/config.toml"

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   defaultConfigPath,
		Usage:   "path to the gatewayctl TOML config",
		Sources: cli.EnvVars("EDGEGATE_CONFIG"),
	}
	return &cli.Command{
		Name:  "gatewayctl",
		Usage: "run and inspect a real-time gateway session",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "connect to the gateway and hold the session until interrupted",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:    "token",
						Usage:   "gateway token, overrides gateway.token",
						Sources: cli.EnvVars("EDGEGATE_TOKEN"),
					},
					&cli.StringFlag{
						Name:  "endpoint",
						Usage: "gateway endpoint, overrides gateway.endpoint",
					},
				},
				Action: runAction,
			},
			{
				Name:  "config",
				Usage: "manage gatewayctl config files",
				Commands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write a config template",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: defaultConfigPath},
							&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
						},
						Action: configInitAction,
					},
					{
						Name:   "validate",
						Usage:  "load and validate a config file",
						Flags:  []cli.Flag{configFlag},
						Action: configValidateAction,
					},
					{
						Name:  "show",
						Usage: "print the resolved config",
						Flags: []cli.Flag{
							configFlag,
							&cli.BoolFlag{Name: "show-secrets", Usage: "print the token unredacted"},
						},
						Action: configShowAction,
					},
				},
			},
		},
	}
}
