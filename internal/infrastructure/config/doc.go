// Package config handles loading and validating identity gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (IDENTITYGW_* and the IoT Edge
//     runtime's IOTEDGE_* variables)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (hub credentials, HMAC keys, tokens) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.EdgeDeviceID)
package config
