package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goforj/godump"
	"github.com/urfave/cli/v3"

	"github.com/openjdbcproxy/ojp-go/pkg/admin"
	"github.com/openjdbcproxy/ojp-go/pkg/runtimeconfig"
	"github.com/openjdbcproxy/ojp-go/pkg/server"
)

func toggleFlags() []cli.Flag {
	return []cli.Flag{
		adminAddressFlag,
		timeoutFlag,
		&cli.StringSliceFlag{
			Name:    "etcd-endpoint",
			Usage:   "store the flag in etcd instead, reaching every server watching it",
			Sources: cli.EnvVars("OJP_ETCD_ENDPOINTS"),
		},
		&cli.StringFlag{
			Name:    "etcd-key",
			Value:   server.DefaultEtcdKey,
			Sources: cli.EnvVars("OJP_ETCD_KEY"),
		},
	}
}

func printStatus(ctx context.Context, address string, timeout time.Duration, dump bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := admin.NewClient(address, nil).Slots(ctx)
	if err != nil {
		return err
	}
	if dump {
		godump.Dump(resp.Stats)
		return nil
	}
	fmt.Println(resp.Status)
	return nil
}

func setEnabled(ctx context.Context, cmd *cli.Command, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	if endpoints := cmd.StringSlice("etcd-endpoint"); len(endpoints) > 0 {
		src, err := runtimeconfig.NewEtcdSource(endpoints, runtimeconfig.Options{Key: cmd.String("etcd-key")}, nil)
		if err != nil {
			return err
		}
		defer src.Close()

		if err := src.Set(ctx, enabled); err != nil {
			return err
		}
		fmt.Printf("enabled=%t stored in etcd\n", enabled)
		return nil
	}

	resp, err := admin.NewClient(cmd.String("admin-address"), nil).SetEnabled(ctx, enabled)
	if err != nil {
		return err
	}
	fmt.Println(resp.Status)
	return nil
}
