// Package logger is capdir's structured logging on top of zerolog.
//
// Components receive a *Logger and tag it with their name:
//
//	log := base.WithComponent("capabilities.directory")
//	log.Info("provider added", logger.Fields(logger.FieldParticipantID, id))
//
// Console output is meant for development; production nodes use json.
package logger
