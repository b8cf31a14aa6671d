package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/minibase"
	"github.com/xiaoxuxiansheng/minibase/backup"
	"github.com/xiaoxuxiansheng/minibase/memtable"
	"github.com/xiaoxuxiansheng/minibase/record"
)

func init() {
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, scanCmd, compactCmd, exportCmd, importCmd)
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "write a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) error {
			return tree.Put([]byte(args[0]), []byte(args[1]))
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "read a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) error {
			value, ok, err := tree.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) error {
			return tree.Delete([]byte(args[0]))
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [start] [end]",
	Short: "list keys in [start, end)",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
		}
		if len(args) > 1 {
			end = []byte(args[1])
		}
		return withTree(cmd, func(tree *minibase.Tree) error {
			it, err := tree.Scan(start, end)
			if err != nil {
				return err
			}
			defer it.Close()
			for it.Valid() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.Key(), it.Value())
				if err = it.Next(); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "merge all disk files into one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) error {
			return tree.Compact()
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "write all visible keys to an s2 compressed backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) (err error) {
			file, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := file.Close(); err == nil {
					err = closeErr
				}
			}()

			it, err := tree.Scan(nil, nil)
			if err != nil {
				return err
			}
			defer it.Close()

			n, err := backup.Export(file, it)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d keys\n", n)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "load keys from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(tree *minibase.Tree) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			n, err := backup.Import(file, func(r *record.Record) error {
				return retryFull(func() error {
					if r.Op == record.Delete {
						return tree.Delete(r.Key)
					}
					return tree.Put(r.Key, r.Value)
				})
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d keys\n", n)
			return nil
		})
	},
}

// 批量导入时写入速度可能超过溢写速度，等待溢写完成后重试
func retryFull(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, memtable.ErrMemTableFull) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}
