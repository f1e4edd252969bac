package envconfig

import (
  "os"
  "strconv"
  "strings"
  "time"
  "github.com/fluxgate/dispatchcore/internal/logging"
)

func GetEnv(key, defaultVal string, log *logging.Logger) string {
  if log != nil {
    log = log.With("env_var", key)
  }
  val, ok := os.LookupEnv(key)
  if !ok {
    if log != nil {
      log.Debug("Environment variable not found, using default", "default", defaultVal)
    }
    return defaultVal
  }
  if log != nil {
    log.Debug("Environment variable found, using environment", "environment", val)
  }
  return val
}

func GetEnvAsInt(key string, defaultVal int, log *logging.Logger) int {
  if log != nil {
    log = log.With("env_var", key)
  }
  valStr, ok := os.LookupEnv(key)
  if !ok {
    if log != nil {
      log.Debug("Environment variable not found, using default", "default", defaultVal)
    }
    return defaultVal
  }
  i, err := strconv.Atoi(valStr)
  if err != nil {
    if log != nil {
      log.Debug("Environment variable could not be parsed as int, using default", "providedVal", valStr, "defaultVal", defaultVal, "error", err)
    }
    return defaultVal
  }
  if log != nil {
    log.Debug("Environment variable found, using it", "value", i)
  }
  return i
}

// GetEnvAsMillis reads an integer-millisecond env var and returns it as a time.Duration.
func GetEnvAsMillis(key string, defaultVal time.Duration, log *logging.Logger) time.Duration {
  ms := GetEnvAsInt(key, int(defaultVal/time.Millisecond), log)
  return time.Duration(ms) * time.Millisecond
}

// GetEnvAsDurationsCSV reads a comma-separated list of millisecond integers
// (e.g. "1000,5000,15000") and returns it as a slice of time.Duration.
// Used for RETRY_DELAYS_MS. Falls back to defaultVal on any parse error.
func GetEnvAsDurationsCSV(key string, defaultVal []time.Duration, log *logging.Logger) []time.Duration {
  raw := strings.TrimSpace(os.Getenv(key))
  if raw == "" {
    return defaultVal
  }
  parts := strings.Split(raw, ",")
  out := make([]time.Duration, 0, len(parts))
  for _, p := range parts {
    p = strings.TrimSpace(p)
    if p == "" {
      continue
    }
    ms, err := strconv.Atoi(p)
    if err != nil {
      if log != nil {
        log.Debug("RETRY_DELAYS_MS entry unparseable, using default list", "entry", p, "error", err)
      }
      return defaultVal
    }
    out = append(out, time.Duration(ms)*time.Millisecond)
  }
  if len(out) == 0 {
    return defaultVal
  }
  return out
}
