package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/models"
)

type generateFlags struct {
	model     string
	system    string
	maxTokens int
	routeHint string
	tags      []string
	noCache   bool
	stream    bool
	asJSON    bool
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var f generateFlags

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one request through the pipeline",
		Long:  "Run one request through the pipeline. The prompt is read from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			prompt := strings.Join(args, " ")
			if prompt == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = string(data)
			}

			req, err := models.NewRequest(models.RequestInput{
				Prompt:       prompt,
				SystemPrompt: f.system,
				Parameters:   f.parameters(),
				RouteHint:    f.routeHint,
				Tags:         f.tags,
			})
			if err != nil {
				return err
			}

			gw, err := buildGateway(cfg, logger, os.Stderr)
			if err != nil {
				return fmt.Errorf("build gateway: %w", err)
			}
			defer func() { _ = gw.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var resp *models.GenerateResponse
			if f.stream {
				resp, err = streamTo(ctx, gw, req, cmd.OutOrStdout(), !f.asJSON)
			} else {
				resp, err = gw.pipeline.Generate(ctx, req)
			}
			if err != nil {
				return err
			}
			return printResponse(cmd, resp, f.asJSON, f.stream)
		},
	}

	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model id, e.g. anthropic:claude-3-haiku for the multi backend")
	cmd.Flags().StringVarP(&f.system, "system", "s", "", "system prompt")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "completion token limit")
	cmd.Flags().StringVar(&f.routeHint, "route-hint", "", "backend hint for the router")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "request tag (repeatable)")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "print text as it arrives")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the canonical response as JSON")
	return cmd
}

func (f generateFlags) parameters() map[string]any {
	params := map[string]any{}
	if f.model != "" {
		params["model"] = f.model
	}
	if f.maxTokens > 0 {
		params["max_tokens"] = f.maxTokens
	}
	if f.noCache {
		params["cache"] = false
	}
	return params
}

// streamTo writes new text from each partial to w and returns the final
// response.
func streamTo(ctx context.Context, gw *gateway, req *models.GenerateRequest, w io.Writer, echo bool) (*models.GenerateResponse, error) {
	stream, err := gw.pipeline.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		printed int
		final   *models.GenerateResponse
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if echo && len(resp.OutputText) > printed {
			fmt.Fprint(w, resp.OutputText[printed:])
			printed = len(resp.OutputText)
		}
		if !resp.IsPartial() {
			final = resp
		}
	}
	if final == nil {
		return nil, errors.New("stream ended without a response")
	}
	if echo && printed > 0 {
		fmt.Fprintln(w)
	}
	return final, nil
}

func printResponse(cmd *cobra.Command, resp *models.GenerateResponse, asJSON, streamed bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if !streamed && resp.OutputText != "" {
		fmt.Fprintln(out, resp.OutputText)
	}
	for _, call := range resp.ToolCalls {
		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(out, "tool call %s(%s)\n", call.Name, args)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "[%s %s] finish=%s tokens=%s cache=%s latency=%dms\n",
		resp.MetaString(models.MetaBackend),
		resp.MetaString(models.MetaModel),
		resp.FinishReason,
		humanize.Comma(int64(resp.Usage.TotalTokens)),
		resp.MetaString(models.MetaCache),
		resp.LatencyMs,
	)
	if resp.FinishReason == models.FinishError {
		return fmt.Errorf("generation failed: %s", resp.MetaString(models.MetaError))
	}
	return nil
}
