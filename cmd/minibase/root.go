package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase"
)

var (
	dataDir    string
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "minibase",
	Short:         "embedded lsm key-value store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "MiniBase", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "yaml config file, --dir overrides its dir")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print engine logs to stderr")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// 打开存储引擎执行 fn，结束后关闭
func withTree(cmd *cobra.Command, fn func(tree *minibase.Tree) error) (err error) {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := []minibase.ConfigOption{minibase.WithLogger(logger)}
	var conf *minibase.Config
	if configFile != "" {
		if cmd.Flags().Changed("dir") {
			opts = append(opts, func(c *minibase.Config) { c.Dir = dataDir })
		}
		conf, err = minibase.LoadConfig(configFile, opts...)
	} else {
		conf, err = minibase.NewConfig(dataDir, opts...)
	}
	if err != nil {
		return err
	}

	tree, err := minibase.NewTree(conf)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tree.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(tree)
}
