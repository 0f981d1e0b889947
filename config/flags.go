package config

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Get parses command line flags, loads secrets from the env file when it
// exists and reads the yaml config.
func Get() (Config, error) {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	envFile := flag.String("env", ".env", "optional file with venue credentials")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "load env file %s", *envFile)
	}

	return Load(*configPath)
}
