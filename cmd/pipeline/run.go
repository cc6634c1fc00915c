package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"multigpu-pipeline-go/logging"
	"multigpu-pipeline-go/pipeline"
	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/onnxrt"
)

// tensorDescriptor is the on-disk shape of one request/response tensor.
type tensorDescriptor struct {
	Name   string  `json:"name"`
	Dims   []int64 `json:"dims"`
	DType  string  `json:"dtype"` // "int64" or "float32"
	Int64  []int64 `json:"int64_data,omitempty"`
	Float  []float32 `json:"float32_data,omitempty"`
}

// requestFile is the on-disk shape consumed by `pipeline run --request`: a
// batch of independent decoding requests, each a list of named input
// tensors, plus the output names the caller wants written back.
type requestFile struct {
	Requests []struct {
		Inputs []tensorDescriptor `json:"inputs"`
	} `json:"requests"`
	OutputNames []string `json:"output_names"`
	NumSteps    int      `json:"num_steps"`
}

func runCmd() *cli.Command {
	var (
		configPath   string
		requestPath  string
		settingsPath string
		libPath      string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a batch of decoding requests against an ensemble",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the ensemble JSON descriptor",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "request",
				Aliases:     []string{"r"},
				Usage:       "path to a request batch JSON file",
				Required:    true,
				Destination: &requestPath,
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

			reqData, err := os.ReadFile(requestPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("read request file: %v", err), 1)
			}
			var rf requestFile
			if err := json.Unmarshal(reqData, &rf); err != nil {
				return cli.Exit(fmt.Sprintf("parse request file: %v", err), 1)
			}
			if rf.NumSteps <= 0 {
				return cli.Exit("request file: num_steps must be positive", 1)
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

			stage0, err := sess.StageSession(0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("stage 0 session for host tensor construction: %v", err), 1)
			}

			reqList := make([]pipeline.Request, len(rf.Requests))
			respList := make([]pipeline.Response, len(rf.Requests))
			for i, r := range rf.Requests {
				names := make([]string, len(r.Inputs))
				values := make([]runtime.TensorView, len(r.Inputs))
				for j, td := range r.Inputs {
					view, err := tensorFromDescriptor(stage0, td)
					if err != nil {
						return cli.Exit(fmt.Sprintf("request %d input %q: %v", i, td.Name, err), 1)
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

			bar := progressbar.NewOptions(len(reqList),
				progressbar.OptionSetDescription("Decoding"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
			)
			sess.SetOnRequestComplete(func(reqID int64) { _ = bar.Add(1) })

			if err := sess.Run(ctx, reqList, respList, rf.NumSteps); err != nil {
				return cli.Exit(fmt.Sprintf("run: %v", err), 1)
			}
			fmt.Println()

			for i, resp := range respList {
				for j, name := range resp.OutputNames {
					v := resp.OutputValues[j]
					if v == nil {
						continue
					}
					fmt.Printf("request %d output %q: shape=%v element_type=%s\n", i, name, v.Shape(), v.ElementType())
				}
			}
			return nil
		},
	}
}

func tensorFromDescriptor(sess runtime.Session, td tensorDescriptor) (runtime.TensorView, error) {
	switch td.DType {
	case "int64":
		return sess.NewHostTensor(td.Int64, td.Dims, runtime.ElementTypeInt64)
	case "float32":
		return sess.NewHostTensor(td.Float, td.Dims, runtime.ElementTypeFloat32)
	default:
		return nil, fmt.Errorf("unsupported dtype %q, want \"int64\" or \"float32\"", td.DType)
	}
}
