package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnvs loads .env files from dir following the dotenv convention.
// godotenv never overrides variables that are already set, so earlier files win.
// Missing files are ignored.
func LoadDotEnvs(dir string) {
	env := os.Getenv("NIGHTVIBE_ENV")
	if env == "" {
		env = "dev"
	}
	for _, name := range []string{
		".env." + env + ".local",
		".env.local",
		".env." + env,
		".env",
	} {
		_ = godotenv.Load(filepath.Join(dir, name))
	}
}
