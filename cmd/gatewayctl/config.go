package main

import (
	"context"
	"fmt"

	"github.com/danmuck/edgegate/internal/config"
	"github.com/urfave/cli/v3"
)

func configInitAction(_ context.Context, cmd *cli.Command) error {
	target := cmd.String("output")
	if err := config.WriteTemplate(target, cmd.Bool("force")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "wrote config template to %s\n", target)
	return nil
}

func configValidateAction(_ context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	fmt.Fprintf(cmd.Root().Writer, "validated config at %s\n", path)
	return nil
}

func configShowAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	out, err := config.Render(cfg, cmd.Bool("show-secrets"))
	if err != nil {
		return err
	}
	_, err = cmd.Root().Writer.Write(out)
	return err
}
