package pipeline

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// StageConfig is one entry of PipelineConfig.Stages — model_config_vec[i] in
// the distilled spec's vocabulary (spec §3).
type StageConfig struct {
	ModelName     string
	ModelFilePath string
	DeviceID      int

	// InputNames/OutputNames are populated from the opened session during
	// NewSession, not from the JSON descriptor (spec §3: "populated after session
	// load").
	InputNames  []string
	OutputNames []string

	PastInputNames           []string
	PresentOutputNames       []string
	InterStageOutputInputMap map[string]string

	InputToUseForSeqLen string

	SeqLenDimIndexInInput int
	BatchDimIndexInInput  int

	BatchDimIndexInState  int
	SeqLenDimIndexInState int

	BatchDimInInterStageOutput int
	SeqLenDimInInterStageOutput int
}

// PipelineConfig is the immutable-after-load config model (spec §3).
type PipelineConfig struct {
	InputIDsName    string
	PositionIDsName string
	LogitsName      string
	MaxSeqLen       int64
	Stages          []StageConfig
}

// ensembleDescriptor mirrors the external JSON format (spec §6).
type ensembleDescriptor struct {
	InputIDsName    string            `json:"input_ids_name"`
	PositionIDsName string            `json:"position_ids_name"`
	LogitsName      string            `json:"logits_name"`
	MaxSeqLen       int64             `json:"max_seq_len"`
	Ensemble        []stageDescriptor `json:"ensemble"`
}

type stageDescriptor struct {
	ModelName           string     `json:"model_name"`
	ModelFilePath        string     `json:"model_file_path"`
	DeviceID              int        `json:"device_id"`
	InputToUseForSeqLen   string     `json:"input_to_use_for_seq_len"`
	SeqLenDimIndexInInput int        `json:"seq_len_dim_index_in_input"`
	BatchDimIndexInInput  int        `json:"batch_dim_index_in_input"`
	BatchDimIndexInState  int        `json:"batch_dim_index_in_state"`
	SeqLenDimIndexInState int        `json:"seq_len_dim_index_in_state"`
	SeqLenDimInInterStageOutput int  `json:"seq_len_dim_in_inter_stage_output"`
	BatchDimInInterStageOutput  int  `json:"batch_dim_in_inter_stage_output"`
	PastInputNames       []string   `json:"past_input_names"`
	PresentOutputNames   []string   `json:"present_output_names"`
	InterStageOutputInputMap [][2]string `json:"inter_stage_output_input_map"`
}

// LoadConfig reads and validates an ensemble JSON descriptor. Session/input
// name discovery (which also validates the inter-stage rename map against
// discovered names) happens later, in NewSession.
func LoadConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read ensemble descriptor %q: %v", ErrConfig, path, err)
	}
	var desc ensembleDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: parse ensemble descriptor %q: %v", ErrConfig, path, err)
	}
	cfg, err := configFromDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configFromDescriptor(desc ensembleDescriptor) (*PipelineConfig, error) {
	cfg := &PipelineConfig{
		InputIDsName:    desc.InputIDsName,
		PositionIDsName: desc.PositionIDsName,
		LogitsName:      desc.LogitsName,
		MaxSeqLen:       desc.MaxSeqLen,
		Stages:          make([]StageConfig, len(desc.Ensemble)),
	}
	for i, sd := range desc.Ensemble {
		m := make(map[string]string, len(sd.InterStageOutputInputMap))
		for _, pair := range sd.InterStageOutputInputMap {
			m[pair[0]] = pair[1]
		}
		cfg.Stages[i] = StageConfig{
			ModelName:                   sd.ModelName,
			ModelFilePath:               sd.ModelFilePath,
			DeviceID:                    sd.DeviceID,
			PastInputNames:              sd.PastInputNames,
			PresentOutputNames:          sd.PresentOutputNames,
			InterStageOutputInputMap:    m,
			InputToUseForSeqLen:         sd.InputToUseForSeqLen,
			SeqLenDimIndexInInput:       sd.SeqLenDimIndexInInput,
			BatchDimIndexInInput:        sd.BatchDimIndexInInput,
			BatchDimIndexInState:        sd.BatchDimIndexInState,
			SeqLenDimIndexInState:       sd.SeqLenDimIndexInState,
			BatchDimInInterStageOutput:  sd.BatchDimInInterStageOutput,
			SeqLenDimInInterStageOutput: sd.SeqLenDimInInterStageOutput,
		}
	}
	return cfg, nil
}

// validate checks everything knowable before any session is opened (spec
// §3 Invariants, plus the §8(c)/(d) admission-time failure scenarios this
// function alone can detect).
func (c *PipelineConfig) validate() error {
	if c.InputIDsName == "" || c.PositionIDsName == "" || c.LogitsName == "" {
		return fmt.Errorf("%w: input_ids_name, position_ids_name and logits_name are required", ErrConfig)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len must be positive", ErrConfig)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: ensemble must declare at least one stage", ErrConfig)
	}
	for i, st := range c.Stages {
		if st.ModelFilePath == "" {
			return fmt.Errorf("%w: stage %d: model_file_path is required", ErrConfig, i)
		}
		if st.InputToUseForSeqLen == "" {
			return fmt.Errorf("%w: stage %d: input_to_use_for_seq_len is required", ErrConfig, i)
		}
		if len(st.PastInputNames) != len(st.PresentOutputNames) {
			return fmt.Errorf("%w: stage %d: past_input_names and present_output_names must have equal length, got %d and %d",
				ErrConfig, i, len(st.PastInputNames), len(st.PresentOutputNames))
		}
		present := make(map[string]bool, len(st.PresentOutputNames))
		for _, name := range st.PresentOutputNames {
			present[name] = true
		}
		for outName := range st.InterStageOutputInputMap {
			if present[outName] {
				return fmt.Errorf("%w: stage %d: output %q appears in both present_output_names and inter_stage_output_input_map",
					ErrConfig, i, outName)
			}
		}
	}
	return nil
}
