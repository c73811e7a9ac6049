package model

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service   `json:"service" yaml:"service"`
	Actors   Actors    `json:"actors" yaml:"actors"`
	Registry *Registry `json:"registry,omitempty" yaml:"registry,omitempty"`
}

// Service configures the HTTP daemon itself.
type Service struct {
	Listen          string `json:"listen" yaml:"listen"`
	Verbose         bool   `json:"verbose" yaml:"verbose"`
	Log             string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Actors configures the detaching endpoint. Dir holds one folder per actor
// containing a .token file and a run.sh script.
type Actors struct {
	Dir           string            `json:"dir" yaml:"dir"`
	AttachTimeout string            `json:"attach_timeout" yaml:"attach_timeout"`
	KillGrace     string            `json:"kill_grace" yaml:"kill_grace"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Registry enables the attached-only application endpoint.
type Registry struct {
	Dir string `json:"dir" yaml:"dir"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen:          ":3000",
			Log:             LogStderr,
			ShutdownTimeout: "30s",
		},
		Actors: Actors{
			Dir:           "actors",
			AttachTimeout: "3s",
			KillGrace:     "5s",
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

func (s Service) ShutdownTimeoutDuration() (time.Duration, error) {
	return ParseDuration(s.ShutdownTimeout)
}

func (a Actors) AttachTimeoutDuration() (time.Duration, error) {
	return ParseDuration(a.AttachTimeout)
}

func (a Actors) KillGraceDuration() (time.Duration, error) {
	return ParseDuration(a.KillGrace)
}

// Environ returns the extra environment passed to every script, in KEY=value
// form. Values starting with $ are expanded from the daemon environment.
func (a Actors) Environ() []string {
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(a.Env))
	for _, k := range keys {
		v := a.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}
