package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
	"github.com/copyleftdev/SPHERE/internal/optimization/likelihood"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"60s"`
		MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"8388608"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Kernel struct {
		LambdaS       float64        `env:"KERNEL_LAMBDA_S" envDefault:"2"`
		A             float64        `env:"KERNEL_A" envDefault:"0.1"`
		SigmaSq       float64        `env:"KERNEL_SIGMA_SQ" envDefault:"1"`
		LambdaSBounds kernels.Bounds `env:"KERNEL_LAMBDA_S_BOUNDS" envDefault:"1e-5,1e4"`
		ABounds       kernels.Bounds `env:"KERNEL_A_BOUNDS" envDefault:"1e-5,3.141592653589793"`
		SigmaSqBounds kernels.Bounds `env:"KERNEL_SIGMA_SQ_BOUNDS" envDefault:"1e-5,1e4"`
	}
	Likelihood struct {
		RegParam float64 `env:"LIKELIHOOD_REG_PARAM" envDefault:"1e-6"`
		Workers  int     `env:"LIKELIHOOD_WORKERS" envDefault:"4"`
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}

	opts.FuncMap = map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(kernels.Bounds{}): func(v string) (interface{}, error) {
			return kernels.ParseBounds(v)
		},
	}

	// Parse environment variables
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Likelihood.Workers < 1 {
		return nil, fmt.Errorf("LIKELIHOOD_WORKERS must be at least 1, got %d", cfg.Likelihood.Workers)
	}

	return cfg, nil
}

// KernelOptions converts the kernel section into constructor options.
func (c *Config) KernelOptions() []kernels.Option {
	return []kernels.Option{
		kernels.WithParams(kernels.Params{
			LambdaS: c.Kernel.LambdaS,
			A:       c.Kernel.A,
			SigmaSq: c.Kernel.SigmaSq,
		}),
		kernels.WithLambdaSBounds(c.Kernel.LambdaSBounds),
		kernels.WithABounds(c.Kernel.ABounds),
		kernels.WithSigmaSqBounds(c.Kernel.SigmaSqBounds),
	}
}

// LikelihoodConfig returns the likelihood evaluator settings.
func (c *Config) LikelihoodConfig() likelihood.Config {
	reg := c.Likelihood.RegParam
	if reg == 0 {
		// Zero in the environment means no regularisation; the evaluator
		// reads zero as "use the default".
		reg = -1
	}
	return likelihood.Config{
		RegParam: reg,
		Workers:  c.Likelihood.Workers,
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}
