// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process ties together the pieces every fossil binary needs:
// command execution, flag and configuration loading, logging, and the
// debug endpoint.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is a process error class.
var Error = errs.Class("process error")

var cfgFile = flag.String("config", "", "config file (default is $HOME/.fossil/config.yaml)")

// Execute runs a *cobra.Command and sets up fossil-wide process
// configuration like the configuration file and environment binding.
func Execute(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		for _, sub := range append([]*cobra.Command{cmd}, cmd.Commands()...) {
			vip, err := Viper(sub)
			if err != nil {
				log.Fatal(err)
			}
			// settings from the config file and environment become flag
			// values unless the flag was given explicitly
			sub.Flags().VisitAll(func(f *pflag.Flag) {
				if !f.Changed && vip.IsSet(f.Name) {
					_ = sub.Flags().Set(f.Name, vip.GetString(f.Name))
				}
			})
		}
	})

	Must(cmd.Execute())
}

// Viper returns the viper instance bound to the command's flags, the
// environment, and the configuration file.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvPrefix("fossil")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	path := *cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, Error.Wrap(err)
			}
		}
	}
	return vip, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fossil", "config.yaml")
}

// Ctx returns a context that is canceled when the process receives an
// interrupt or termination signal.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Must checks for errors.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
