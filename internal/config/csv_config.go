package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadConfigCSV loads configuration from a CSV file.
// CSV format: key,value pairs. Missing file returns the defaults.
func LoadConfigCSV(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if config doesn't exist
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read config CSV: %w", err)
	}

	for i, record := range records {
		if len(record) < 2 {
			continue
		}
		key := strings.TrimSpace(strings.ToLower(record[0]))
		value := strings.TrimSpace(record[1])
		if i == 0 && key == "key" {
			continue // header row
		}

		if err := applyKey(cfg, key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", i+1, err)
		}
	}

	return cfg, nil
}

// SaveConfigCSV writes the configuration back as key,value pairs.
func SaveConfigCSV(path string, cfg *Config) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	records := [][]string{
		{"key", "value"},
		{"host", cfg.Host},
		{"port", strconv.Itoa(cfg.Port)},
		{"user", cfg.User},
		{"workers", strconv.Itoa(cfg.Workers)},
		{"passive_mode", strconv.FormatBool(cfg.PassiveMode)},
		{"encrypt_control", strconv.FormatBool(cfg.EncryptControl)},
		{"encrypt_data", strconv.FormatBool(cfg.EncryptData)},
		{"proxy_addr", cfg.ProxyAddr},
		{"resume_min_size", strconv.FormatInt(cfg.ResumeMinSize, 10)},
		{"use_delete_for_overwrite", strconv.FormatBool(cfg.UseDeleteForOverwrite)},
		{"server_replies_timeout", cfg.ServerRepliesTimeout.String()},
		{"delayed_retry_wait", cfg.DelayedRetryWait.String()},
		{"no_data_timeout", cfg.NoDataTimeout.String()},
		{"cannot_create_file", cfg.CannotCreateFile.String()},
		{"file_already_exists", cfg.FileAlreadyExists.String()},
		{"retry_on_created_file", cfg.RetryOnCreatedFile.String()},
		{"retry_on_resumed_file", cfg.RetryOnResumedFile.String()},
		{"ascii_for_binary", cfg.AsciiForBinary.String()},
	}
	return w.WriteAll(records)
}

func applyKey(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "host":
		cfg.Host = value
	case "port":
		cfg.Port, err = strconv.Atoi(value)
	case "user":
		cfg.User = value
	case "password":
		cfg.Password = value
	case "workers":
		cfg.Workers, err = strconv.Atoi(value)
	case "passive_mode":
		cfg.PassiveMode, err = strconv.ParseBool(value)
	case "encrypt_control":
		cfg.EncryptControl, err = strconv.ParseBool(value)
	case "encrypt_data":
		cfg.EncryptData, err = strconv.ParseBool(value)
	case "proxy_addr":
		cfg.ProxyAddr = value
	case "resume_min_size":
		cfg.ResumeMinSize, err = strconv.ParseInt(value, 10, 64)
	case "use_delete_for_overwrite":
		cfg.UseDeleteForOverwrite, err = strconv.ParseBool(value)
	case "server_replies_timeout":
		cfg.ServerRepliesTimeout, err = time.ParseDuration(value)
	case "delayed_retry_wait":
		cfg.DelayedRetryWait, err = time.ParseDuration(value)
	case "no_data_timeout":
		cfg.NoDataTimeout, err = time.ParseDuration(value)
	case "cannot_create_file":
		cfg.CannotCreateFile, err = ParseCollisionPolicy(value)
	case "file_already_exists":
		cfg.FileAlreadyExists, err = ParseCollisionPolicy(value)
	case "retry_on_created_file":
		cfg.RetryOnCreatedFile, err = ParseCollisionPolicy(value)
	case "retry_on_resumed_file":
		cfg.RetryOnResumedFile, err = ParseCollisionPolicy(value)
	case "ascii_for_binary":
		cfg.AsciiForBinary, err = ParseAsciiForBinaryPolicy(value)
	default:
		// Unknown keys are ignored so old configs keep loading.
	}
	return err
}
