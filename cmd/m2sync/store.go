package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/config"
	"github.com/TFMV/m2sync/integrations"
	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/pipeline"
	"github.com/TFMV/m2sync/pkg/sources"
	"github.com/TFMV/m2sync/pkg/sources/magento"
)

// openStore opens the configured store gateway. The caller closes it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (core.StoreGateway, error) {
	gw, err := integrations.Open(cfg.Kind,
		integrations.WithPath(cfg.Path),
		integrations.WithDSN(cfg.DSN),
		integrations.WithDriverPath(cfg.DriverPath),
		integrations.WithContext(ctx),
		integrations.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Kind, err)
	}
	return gw, nil
}

// selectDataTypes returns the configured data types named in only, or all of
// them when only is empty.
func selectDataTypes(cfg *config.Config, only []string) ([]config.DataTypeConfig, error) {
	if len(only) == 0 {
		return cfg.DataTypes, nil
	}
	selected := make([]config.DataTypeConfig, 0, len(only))
	for _, name := range only {
		dt, ok := cfg.DataType(name)
		if !ok {
			return nil, fmt.Errorf("%w: data type %q is not configured", core.ErrInvalidInput, name)
		}
		selected = append(selected, dt)
	}
	return selected, nil
}

// buildJobs creates one pipeline job per data type. The Magento client is
// shared so the admin token is obtained once.
func buildJobs(cfg *config.Config, dataTypes []config.DataTypeConfig, prompt magento.OTPPrompt, logger *zap.Logger) ([]pipeline.Job, error) {
	var client *magento.Client
	magentoClient := func() (*magento.Client, error) {
		if client != nil {
			return client, nil
		}
		if err := cfg.Magento.Validate(); err != nil {
			return nil, err
		}
		c, err := magento.NewClient(magento.Config{
			BaseURL:     cfg.Magento.BaseURL,
			AccessToken: cfg.Magento.AccessToken,
			Username:    cfg.Magento.Username,
			Password:    cfg.Magento.Password,
			OTP:         cfg.Magento.OTP,
			PageSize:    cfg.Magento.PageSize,
			PageDelay:   cfg.Magento.PageDelay,
			Timeout:     cfg.Magento.Timeout,
		}, logger, magento.WithOTPPrompt(prompt))
		if err != nil {
			return nil, err
		}
		client = c
		return client, nil
	}

	jobs := make([]pipeline.Job, 0, len(dataTypes))
	for _, dt := range dataTypes {
		var src sources.Source
		switch dt.Source {
		case "file":
			src = sources.NewFileSource(dt.Name, dt.Identity, dt.Format, dt.File)
		case "magento":
			c, err := magentoClient()
			if err != nil {
				return nil, err
			}
			switch dt.Name {
			case "orders":
				src = magento.NewOrdersSource(c, dt.Identity)
			case "customers":
				src = magento.NewCustomersSource(c, dt.Identity)
			default:
				return nil, fmt.Errorf("%w: magento data type %q", core.ErrUnsupported, dt.Name)
			}
		default:
			return nil, fmt.Errorf("%w: source %q", core.ErrUnsupported, dt.Source)
		}
		jobs = append(jobs, pipeline.Job{
			Source:       src,
			Table:        dt.Table,
			IgnoreFields: dt.IgnoreFields,
		})
	}
	return jobs, nil
}

// stdinPrompt asks for the Magento OTP on out and reads one line from in.
func stdinPrompt(in io.Reader, out io.Writer) magento.OTPPrompt {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(out, "Enter Magento OTP: ")
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}
