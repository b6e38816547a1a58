// 本文件用于定义配置与业务模型
package models

// Config 配置结构体
type Config struct {
	Mode              string   `yaml:"mode"` // online 或 offline
	ServerURL         string   `yaml:"server_url"`
	ServerToken       string   `yaml:"server_token"`
	RequestTimeout    string   `yaml:"request_timeout"`
	OfflineDir        string   `yaml:"offline_dir"`
	RunName           string   `yaml:"run_name"`
	RunFolder         string   `yaml:"run_folder"`
	RunDescription    string   `yaml:"run_description"`
	RunTags           []string `yaml:"run_tags"`
	RunMetadata       bool     `yaml:"run_metadata"` // 是否上报主机环境信息
	ArtifactBucket    string   `yaml:"artifact_bucket"`
	ArtifactPrefix    string   `yaml:"artifact_prefix"`
	AK                string   `yaml:"ak"`
	SK                string   `yaml:"sk"`
	Endpoint          string   `yaml:"endpoint"`
	DisableSSL        bool     `yaml:"disable_ssl"`
	LogLevel          string   `yaml:"log_level"`
	LogFile           string   `yaml:"log_file"`
	AbortPollInterval string   `yaml:"abort_poll_interval"`
	TailPollInterval  string   `yaml:"tail_poll_interval"`

	AlertDefinitions map[string]map[string]interface{} `yaml:"alert_definitions"`
	RunAlerts        []string                          `yaml:"run_alerts"`

	Moose    MooseConfig    `yaml:"moose"`
	Training TrainingConfig `yaml:"training"`
}

// MooseConfig MOOSE 仿真启动参数
type MooseConfig struct {
	ApplicationPath string                 `yaml:"application_path"`
	InputFile       string                 `yaml:"input_file"`
	OutputDir       string                 `yaml:"output_dir"`
	ResultsPrefix   string                 `yaml:"results_prefix"`
	EnvVars         map[string]interface{} `yaml:"env_vars"`
}

// TrainingConfig 训练回调参数
type TrainingConfig struct {
	ManifestAlerts       []string `yaml:"manifest_alerts"`
	SimulationAlerts     []string `yaml:"simulation_alerts"`
	EpochAlerts          []string `yaml:"epoch_alerts"`
	EvaluationAlerts     []string `yaml:"evaluation_alerts"`
	StartAlertsFromEpoch int      `yaml:"start_alerts_from_epoch"`
	EvaluationParameter  string   `yaml:"evaluation_parameter"`
	EvaluationCondition  string   `yaml:"evaluation_condition"`
	EvaluationTarget     *float64 `yaml:"evaluation_target"`
	CreateEpochRuns      *bool    `yaml:"create_epoch_runs"`
	ScriptPath           string   `yaml:"script_path"`
	CheckpointPath       string   `yaml:"checkpoint_path"`
	FinalModelPath       string   `yaml:"final_model_path"`
}

// AlertNames 返回训练回调引用的全部告警名称
func (t TrainingConfig) AlertNames() []string {
	var out []string
	out = append(out, t.ManifestAlerts...)
	out = append(out, t.SimulationAlerts...)
	out = append(out, t.EpochAlerts...)
	out = append(out, t.EvaluationAlerts...)
	return out
}

// RunEvent 表示一条运行事件
type RunEvent struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MetricPoint 表示一次指标上报
type MetricPoint struct {
	Values    map[string]float64 `json:"values"`
	Step      *int               `json:"step,omitempty"`
	Time      *float64           `json:"time,omitempty"`
	Timestamp string             `json:"timestamp"`
}

// FileRecord 表示运行关联的文件
type FileRecord struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}
