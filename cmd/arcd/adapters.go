package main

import (
	"context"
	"fmt"

	"ARC-Router/internal/adapter"
	"ARC-Router/internal/adapter/anthropic"
	"ARC-Router/internal/adapter/gemini"
	"ARC-Router/internal/adapter/openai"
	"ARC-Router/internal/adapter/pythonbridge"
	"ARC-Router/internal/config"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// buildRegistry 按配置创建全部适配器并注册。
func buildRegistry(ctx context.Context, cfgs []config.AdapterConfig) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	for _, cfg := range cfgs {
		a, err := createAdapter(ctx, cfg)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("创建适配器 %s 失败", cfg.Name))
		}
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func createAdapter(ctx context.Context, cfg config.AdapterConfig) (adapter.Adapter, error) {
	kinds := make([]task.Kind, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds = append(kinds, task.Kind(k))
	}

	switch cfg.Type {
	case "openai":
		if cfg.APIKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "OpenAI 适配器需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			Name:      cfg.Name,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout(),
			Kinds:     kinds,
		})
	case "anthropic":
		return anthropic.NewClient(ctx, anthropic.Config{
			Name:          cfg.Name,
			Model:         cfg.Model,
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			MaxTokens:     cfg.MaxTokens,
			Kinds:         kinds,
			UseAWSBedrock: cfg.UseBedrock,
			AWSRegion:     cfg.AWSRegion,
			AWSProfile:    cfg.AWSProfile,
		})
	case "gemini":
		return gemini.NewClient(ctx, gemini.Config{
			Name:    cfg.Name,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Kinds:   kinds,
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.WorkingDir, cfg.ScriptPath)
		return pythonbridge.NewClient(cfg.Name, cfg.PythonExecutable, script, cfg.WorkingDir, kinds...)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的适配器类型: %s", cfg.Type))
	}
}
