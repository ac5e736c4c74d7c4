// Package logger builds the zap logger shared by every component.
//
// The mode and minimum level come from the logging section of the
// configuration. Development mode favors readable console output;
// production mode emits JSON suited to log shippers.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    return err
//	}
//	log.Info("server listening", zap.String("addr", addr))
package logger
