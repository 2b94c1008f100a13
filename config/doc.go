// Package config loads engine settings from YAML.
//
// Default returns the settings a new engine starts with. Load and Parse
// overlay a YAML document on those defaults and validate the result, so
// a file only needs the keys it changes:
//
//	process_interval: 20ms
//	max_channels: 16
//	channel:
//	  mtu: 1200
//	  rtcp_mode: compound
//	  key_frame_method: pli
//	trace:
//	  filter: warning,error
//
// Apply pushes the process-wide parts (the trace filter and file) into
// the trace package.
package config
