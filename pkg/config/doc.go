/*
Package config loads the worker configuration from YAML.

Example:

	controller:
	  address: 0.0.0.0
	  port: 8090
	  metrics_address: 127.0.0.1:9090
	  socket: /run/kiln/kiln.sock
	builder:
	  storage: /var/lib/kiln
	  data_dir: /usr/share/kiln
	  kill_grace: 5s
	settings:
	  autoclean: true
	frontend:
	  url: queue.example.com
	  username: builder
	  password: secret
	log:
	  level: debug

Keys missing from the file keep the values of Default. Unknown keys are
rejected so that typos do not silently fall back to defaults.
*/
package config
