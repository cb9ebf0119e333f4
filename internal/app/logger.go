package app

import (
	"go.uber.org/zap"
)

// NewLogger returns a JSON production logger for prod and a development
// console logger (debug level) for everything else.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
