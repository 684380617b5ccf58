// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"

	"github.com/powerapi-ng/powerapi/internal/report"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// IPC settings of the actor sockets
	IPC struct {
		Directory        string        `yaml:"directory"`
		HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	}

	Puller struct {
		Interval time.Duration `yaml:"interval"` // delay between two reads in stream mode
	}

	Pusher struct {
		MaxBufferSize int           `yaml:"maxBufferSize"`
		FlushInterval time.Duration `yaml:"flushInterval"`

		// MaxRetained bounds the buffer while writes keep failing; the oldest
		// reports are dropped past it. 0 means 10 times MaxBufferSize.
		MaxRetained int `yaml:"maxRetained"`
	}

	DispatchRule struct {
		Model   string `yaml:"model"`
		Depth   string `yaml:"depth"`
		Primary bool   `yaml:"primary"`
	}

	Dispatcher struct {
		Name  string         `yaml:"name"`
		Rules []DispatchRule `yaml:"rules"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log     Log   `yaml:"log"`
		Verbose *bool `yaml:"verbose"`
		Stream  *bool `yaml:"stream"`

		Input         Components `yaml:"input"`
		Output        Components `yaml:"output"`
		PreProcessor  Components `yaml:"pre-processor"`
		PostProcessor Components `yaml:"post-processor"`

		Dispatcher Dispatcher `yaml:"dispatcher"`
		Formula    Component  `yaml:"formula"`
		Puller     Puller     `yaml:"puller"`
		Pusher     Pusher     `yaml:"pusher"`

		IPC   IPC   `yaml:"ipc"`
		Web   Web   `yaml:"web"`
		Debug Debug `yaml:"debug"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	VerboseFlag = "verbose"
	StreamFlag  = "stream"

	InputFlag         = "input"
	OutputFlag        = "output"
	PreProcessorFlag  = "pre-processor"
	PostProcessorFlag = "post-processor"

	FormulaFlag       = "formula"
	DispatchDepthFlag = "dispatcher.depth"

	PullerIntervalFlag      = "puller.interval"
	PusherMaxBufferSizeFlag = "pusher.max-buffer-size"
	PusherFlushIntervalFlag = "pusher.flush-interval"

	IPCDirectoryFlag = "ipc.directory"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// PullerBinding and PusherBinding are the processor arguments naming the
	// actor a processor is placed in front of
	PullerBinding = "puller"
	PusherBinding = "pusher"

	// csv is the only input that can't be read in stream mode
	csvType = "csv"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Verbose:       ptr.To(false),
		Stream:        ptr.To(false),
		Input:         Components{},
		Output:        Components{},
		PreProcessor:  Components{},
		PostProcessor: Components{},
		Dispatcher: Dispatcher{
			Name: "dispatcher",
			Rules: []DispatchRule{
				{Model: report.KindHWPC.String(), Depth: "socket", Primary: true},
			},
		},
		Formula: Component{Type: "rapl", Args: map[string]any{}},
		Puller: Puller{
			Interval: time.Second,
		},
		Pusher: Pusher{
			MaxBufferSize: 50,
			FlushInterval: 100 * time.Millisecond,
		},
		IPC: IPC{
			Directory:        os.TempDir(),
			HandshakeTimeout: 2 * time.Second,
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{},
		},
	}
}

// Load loads configuration from an io.Reader. The document is checked
// against the configuration schema before being decoded.
func Load(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}

	merged, err := (&Builder{}).Use(DefaultConfig()).MergeConfig(cfg).Build()
	if err != nil {
		return nil, err
	}
	merged.sanitize()

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// decode parses a YAML or JSON document without applying defaults
func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// FromFile decodes the configuration layer held by a file. Defaults are
// not applied, the layer is meant to be merged by a Builder.
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		// ignored on purpose
		_ = file.Close()
	}()

	return decode(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file and environment settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	verbose := app.Flag(VerboseFlag, "Log at debug level").Short('v').Bool()
	stream := app.Flag(StreamFlag, "Read the inputs forever instead of stopping once they are exhausted").Short('s').Bool()

	// pipeline components, e.g. --input "mongodb name=puller uri=mongodb://db:27017 db=acme collection=hwpc"
	inputs := Components{}
	app.Flag(InputFlag, `Input, as "TYPE key=value..."; the "name" key names the instance`).Short('i').SetValue(NewComponentsValue(inputs))
	outputs := Components{}
	app.Flag(OutputFlag, `Output, as "TYPE key=value..."`).Short('o').SetValue(NewComponentsValue(outputs))
	preProcessors := Components{}
	app.Flag(PreProcessorFlag, `Pre-processor, as "TYPE puller=NAME key=value..."`).SetValue(NewComponentsValue(preProcessors))
	postProcessors := Components{}
	app.Flag(PostProcessorFlag, `Post-processor, as "TYPE pusher=NAME key=value..."`).SetValue(NewComponentsValue(postProcessors))

	formula := &Component{}
	app.Flag(FormulaFlag, `Formula, as "TYPE key=value..."`).SetValue(&componentValue{component: formula})
	dispatchDepth := app.Flag(DispatchDepthFlag, "Depth of the primary dispatch rule: target, root, socket or core").Default("socket").String()

	pullerInterval := app.Flag(PullerIntervalFlag, "Delay between two reads of the inputs in stream mode").Default("1s").Duration()
	maxBufferSize := app.Flag(PusherMaxBufferSizeFlag, "Reports buffered by an output before a write").Default("50").Int()
	flushInterval := app.Flag(PusherFlushIntervalFlag, "Time after which the buffer is written on the next report").Default("100ms").Duration()

	ipcDirectory := app.Flag(IPCDirectoryFlag, "Directory holding the actor sockets").Default(os.TempDir()).String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "API server listen addresses, none to disable it").Strings()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[VerboseFlag] {
			cfg.Verbose = verbose
		}

		if flagsSet[StreamFlag] {
			cfg.Stream = stream
		}

		if flagsSet[InputFlag] {
			cfg.Input = mergeComponents(cfg.Input, inputs)
		}

		if flagsSet[OutputFlag] {
			cfg.Output = mergeComponents(cfg.Output, outputs)
		}

		if flagsSet[PreProcessorFlag] {
			cfg.PreProcessor = mergeComponents(cfg.PreProcessor, preProcessors)
		}

		if flagsSet[PostProcessorFlag] {
			cfg.PostProcessor = mergeComponents(cfg.PostProcessor, postProcessors)
		}

		if flagsSet[FormulaFlag] {
			cfg.Formula = *formula
		}

		if flagsSet[DispatchDepthFlag] {
			for i := range cfg.Dispatcher.Rules {
				if cfg.Dispatcher.Rules[i].Primary {
					cfg.Dispatcher.Rules[i].Depth = *dispatchDepth
				}
			}
		}

		if flagsSet[PullerIntervalFlag] {
			cfg.Puller.Interval = *pullerInterval
		}

		if flagsSet[PusherMaxBufferSizeFlag] {
			cfg.Pusher.MaxBufferSize = *maxBufferSize
		}

		if flagsSet[PusherFlushIntervalFlag] {
			cfg.Pusher.FlushInterval = *flushInterval
		}

		if flagsSet[IPCDirectoryFlag] {
			cfg.IPC.Directory = *ipcDirectory
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

// LogLevel is the level actually used, --verbose forcing debug
func (c *Config) LogLevel() string {
	if ptr.Deref(c.Verbose, false) {
		return "debug"
	}
	return c.Log.Level
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.IPC.Directory = strings.TrimSpace(c.IPC.Directory)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for _, group := range []Components{c.Input, c.Output, c.PreProcessor, c.PostProcessor} {
		for name, comp := range group {
			comp.Type = strings.TrimSpace(comp.Type)
			comp.Model = strings.TrimSpace(comp.Model)
			group[name] = comp
		}
	}
	for i := range c.Dispatcher.Rules {
		c.Dispatcher.Rules[i].Model = strings.TrimSpace(c.Dispatcher.Rules[i].Model)
		c.Dispatcher.Rules[i].Depth = strings.TrimSpace(c.Dispatcher.Rules[i].Depth)
	}
	c.Formula.Type = strings.TrimSpace(c.Formula.Type)
}

// Validate checks for configuration errors. Backend arguments are checked
// once the backends are known, when the pipeline is generated.
func (c *Config) Validate() error {
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // inputs
		if len(c.Input) == 0 {
			errs = append(errs, "no input configured")
		}
		for _, name := range c.Input.Names() {
			comp := c.Input[name]
			errs = append(errs, validateComponent("input", name, comp, report.KindHWPC)...)
			if comp.Type == csvType {
				if ptr.Deref(c.Stream, false) {
					errs = append(errs, fmt.Sprintf("input %s: csv files can't be read in stream mode", name))
				}
				for _, f := range csvFiles(comp) {
					if err := canReadFile(f); err != nil {
						errs = append(errs, fmt.Sprintf("input %s: unreadable file %q: %s", name, f, err.Error()))
					}
				}
			}
		}
	}
	{ // outputs
		if len(c.Output) == 0 {
			errs = append(errs, "no output configured")
		}
		for _, name := range c.Output.Names() {
			errs = append(errs, validateComponent("output", name, c.Output[name], report.KindPower)...)
		}
	}
	{ // processors
		for _, name := range c.PreProcessor.Names() {
			comp := c.PreProcessor[name]
			errs = append(errs, validateComponent("pre-processor", name, comp, 0)...)
			errs = append(errs, validateBinding("pre-processor", name, comp, PullerBinding, c.Input)...)
		}
		for _, name := range c.PostProcessor.Names() {
			comp := c.PostProcessor[name]
			errs = append(errs, validateComponent("post-processor", name, comp, 0)...)
			errs = append(errs, validateBinding("post-processor", name, comp, PusherBinding, c.Output)...)
		}
	}
	{ // dispatcher
		if c.Dispatcher.Name == "" {
			errs = append(errs, "dispatcher name cannot be empty")
		}
		primaries := 0
		for i, rule := range c.Dispatcher.Rules {
			if _, err := report.ParseKind(rule.Model); err != nil {
				errs = append(errs, fmt.Sprintf("dispatch rule %d: %s", i, err.Error()))
			}
			if rule.Primary {
				primaries++
			}
		}
		if primaries != 1 {
			errs = append(errs, fmt.Sprintf("dispatcher needs exactly one primary rule, got %d", primaries))
		}
		if c.Formula.Type == "" {
			errs = append(errs, "formula type cannot be empty")
		}
	}
	{ // puller and pusher
		if c.Puller.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid puller interval: %s must be positive", c.Puller.Interval))
		}
		if c.Pusher.MaxBufferSize <= 0 {
			errs = append(errs, fmt.Sprintf("invalid pusher max buffer size: %d must be positive", c.Pusher.MaxBufferSize))
		}
		if c.Pusher.FlushInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid pusher flush interval: %s can't be negative", c.Pusher.FlushInterval))
		}
		if c.Pusher.MaxRetained < 0 {
			errs = append(errs, fmt.Sprintf("invalid pusher max retained: %d can't be negative", c.Pusher.MaxRetained))
		}
	}
	{ // IPC
		if err := canReadDir(c.IPC.Directory); err != nil {
			errs = append(errs, fmt.Sprintf("invalid ipc directory: %s: %s", c.IPC.Directory, err.Error()))
		}
		if c.IPC.HandshakeTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid handshake timeout: %s must be positive", c.IPC.HandshakeTimeout))
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

// ModelOf returns the report kind of a component, def when unset
func ModelOf(c Component, def report.Kind) (report.Kind, error) {
	if c.Model == "" {
		return def, nil
	}
	return report.ParseKind(c.Model)
}

func validateComponent(group, name string, c Component, def report.Kind) []string {
	var errs []string
	if c.Type == "" {
		errs = append(errs, fmt.Sprintf("%s %s: type cannot be empty", group, name))
	}
	if def != 0 {
		if _, err := ModelOf(c, def); err != nil {
			errs = append(errs, fmt.Sprintf("%s %s: %s", group, name, err.Error()))
		}
	}
	return errs
}

func validateBinding(group, name string, c Component, key string, targets Components) []string {
	target, _ := c.Args[key].(string)
	if target == "" {
		return []string{fmt.Sprintf("%s %s: %q is required", group, name, key)}
	}
	if _, ok := targets[target]; !ok {
		return []string{fmt.Sprintf("%s %s: %s %q does not exist", group, name, key, target)}
	}
	return nil
}

func csvFiles(c Component) []string {
	v, err := cast(ArgStrings, c.Args["files"])
	if err != nil {
		return nil
	}
	return v.([]string)
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	if err != nil && err != io.EOF {
		return err
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	if err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// host can be empty for listening on all interfaces
	if err := validatePort(port); err != nil {
		return err
	}

	return nil
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{VerboseFlag, fmt.Sprintf("%v", ptr.Deref(c.Verbose, false))},
		{StreamFlag, fmt.Sprintf("%v", ptr.Deref(c.Stream, false))},
		{InputFlag, strings.Join(c.Input.Names(), ", ")},
		{OutputFlag, strings.Join(c.Output.Names(), ", ")},
		{PreProcessorFlag, strings.Join(c.PreProcessor.Names(), ", ")},
		{PostProcessorFlag, strings.Join(c.PostProcessor.Names(), ", ")},
		{FormulaFlag, c.Formula.Type},
		{PullerIntervalFlag, c.Puller.Interval.String()},
		{PusherMaxBufferSizeFlag, fmt.Sprintf("%d", c.Pusher.MaxBufferSize)},
		{PusherFlushIntervalFlag, c.Pusher.FlushInterval.String()},
		{IPCDirectoryFlag, c.IPC.Directory},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
		{WebListenAddressFlag, strings.Join(c.Web.ListenAddresses, ", ")},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
