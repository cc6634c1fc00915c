package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"multigpu-pipeline-go/logging"
	"multigpu-pipeline-go/pipeline"
	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/onnxrt"
)

// server wires an already-initialized pipeline.Session behind an HTTP API.
type server struct {
	sess *pipeline.Session
	cfg  *pipeline.PipelineConfig
	log  *zap.Logger
}

func serveCmd() *cli.Command {
	var (
		configPath   string
		settingsPath string
		libPath      string
		addr         string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the pipeline behind an HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the ensemble JSON descriptor",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "settings",
				Usage:       "path to a YAML runtime settings file",
				Destination: &settingsPath,
			},
			&cli.StringFlag{
				Name:        "onnxruntime-lib",
				Usage:       "path to the onnxruntime shared library",
				Destination: &libPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings, err := loadRuntimeSettings(settingsPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if libPath != "" {
				settings.SharedLibPath = libPath
			}

			log, err := logging.New(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = log.Sync() }()

			cfg, err := pipeline.LoadConfig(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
			}

			env, err := onnxrt.NewEnv(settings.SharedLibPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("open onnxruntime environment: %v", err), 1)
			}

			sess, err := pipeline.NewSession(*cfg, settings.ThreadPoolSize, env)
			if err != nil {
				return cli.Exit(fmt.Sprintf("init pipeline session: %v", err), 1)
			}
			sess.SetLogger(log)
			defer func() { _ = sess.Close() }()

			srv := &server{sess: sess, cfg: cfg, log: log}

			e := echo.New()
			e.GET("/healthz", srv.handleHealthz)
			e.GET("/stats", srv.handleStats)
			e.POST("/v1/run", srv.handleRun)

			log.Info("serving", zap.String("addr", addr), zap.Int("stages", len(cfg.Stages)))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(hs *http.Server) error {
					hs.ReadHeaderTimeout = 30 * time.Second
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func (s *server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStats(c *echo.Context) error {
	stageNames := make([]string, len(s.cfg.Stages))
	for i, st := range s.cfg.Stages {
		stageNames[i] = st.ModelName
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stages":      stageNames,
		"max_seq_len": s.cfg.MaxSeqLen,
		"logits_name": s.cfg.LogitsName,
	})
}

func (s *server) handleRun(c *echo.Context) error {
	var rf requestFile
	if err := json.NewDecoder(c.Request().Body).Decode(&rf); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("decode request body: %v", err)})
	}
	if rf.NumSteps <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "num_steps must be positive"})
	}

	stage0, err := s.sess.StageSession(0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	reqList := make([]pipeline.Request, len(rf.Requests))
	respList := make([]pipeline.Response, len(rf.Requests))
	for i, r := range rf.Requests {
		names := make([]string, len(r.Inputs))
		values := make([]runtime.TensorView, len(r.Inputs))
		for j, td := range r.Inputs {
			view, err := tensorFromDescriptor(stage0, td)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("request %d input %q: %v", i, td.Name, err)})
			}
			names[j] = td.Name
			values[j] = view
		}
		reqList[i] = pipeline.Request{InputNames: names, InputValues: values}
		respList[i] = pipeline.Response{
			OutputNames:  rf.OutputNames,
			OutputValues: make([]runtime.TensorView, len(rf.OutputNames)),
		}
	}

	if err := s.sess.Run(c.Request().Context(), reqList, respList, rf.NumSteps); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}

	type outTensor struct {
		Name        string  `json:"name"`
		Shape       []int64 `json:"shape"`
		ElementType string  `json:"element_type"`
	}
	results := make([][]outTensor, len(respList))
	for i, resp := range respList {
		for j, name := range resp.OutputNames {
			v := resp.OutputValues[j]
			if v == nil {
				continue
			}
			results[i] = append(results[i], outTensor{Name: name, Shape: v.Shape(), ElementType: v.ElementType().String()})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}
