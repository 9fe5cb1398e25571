package logging

import "go.uber.org/zap"

// New builds the process logger: human-readable in development, JSON in
// anything else. Callers receive the logger explicitly; there is no package
// global to mutate.
func New(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
