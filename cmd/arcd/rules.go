package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ARC-Router/internal/config"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/routing"
)

func newRulesCmd(configPath *string) *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect routing rule files",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a YAML routing file and print the resulting table",
		Long: `Validate a YAML routing file. When --config is given, every adapter
named by a rule must also be declared in the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var known []string
			if *configPath != "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				for _, a := range cfg.Adapters {
					known = append(known, a.Name)
				}
			}
			return checkRules(cmd.OutOrStdout(), args[0], known)
		},
	})
	return rules
}

// checkRules 校验规则文件；known 非空时同时检查引用的适配器是否已声明。
func checkRules(out io.Writer, path string, known []string) error {
	file, err := routing.LoadRules(path)
	if err != nil {
		return err
	}
	all := file.All()
	if len(all) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 中没有任何路由规则", path))
	}

	var unknown []string
	if len(known) > 0 {
		declared := make(map[string]struct{}, len(known))
		for _, name := range known {
			declared[name] = struct{}{}
		}
		for _, rule := range all {
			for _, name := range routing.Candidates(rule, true) {
				if _, ok := declared[name]; !ok {
					unknown = append(unknown, fmt.Sprintf("%s -> %s", rule.Kind, name))
				}
			}
		}
	}

	for _, rule := range all {
		mode := "fallback"
		if rule.Ensemble {
			mode = "ensemble"
		}
		fmt.Fprintf(out, "%-16s %-8s %s", rule.Kind, mode, rule.Primary)
		if len(rule.Fallbacks) > 0 {
			fmt.Fprintf(out, " -> %s", strings.Join(rule.Fallbacks, ", "))
		}
		fmt.Fprintln(out)
	}
	if len(unknown) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "规则引用了未声明的适配器: "+strings.Join(unknown, "; "))
	}
	fmt.Fprintf(out, "%d rules OK\n", len(all))
	return nil
}
