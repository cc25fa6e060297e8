package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

const serviceName = "biobank-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line. Every entry carries the
// service name so gateway and consent-task lines aggregate together.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceName
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + serviceName + `","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
