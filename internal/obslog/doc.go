// Package obslog implements the structured-log-sink capability the engine
// and its collaborators consume: leveled, structured logging over logrus
// with optional lumberjack rotation. One package-level default logger is
// configured once via Init(cfg) at process start; everything else takes the
// Logger interface so tests can substitute their own sink.
package obslog
