package config

// factorySchema constrains every field a factory configuration may set.
// Definitions are closed, so misspelled keys are rejected. Defaults are
// applied in Go after the document is unified with #Factory.
const factorySchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | number & >=0

#Port: int & >0 & <65536

#Placement: {
	subnet?:         string
	security_group?: string
	zone?:           string
}

#Identity: {
	role?:    string
	profile?: string
}

#Host: {
	id:             string & !=""
	address:        string & !=""
	port?:          #Port
	user?:          string
	architecture?:  string
	instance_type?: string
	placement?:     #Placement
	identity?:      #Identity
}

#Factory: {
	server?: {
		listen?:              string & !=""
		callback_url?:        =~"^https?://"
		api_token?:           string
		read_header_timeout?: #Duration
		shutdown_timeout?:    #Duration
		event_stream?:        bool
	}

	orchestrator?: {
		await_timeout?:             #Duration
		build_timeout?:             #Duration
		provision_timeout?:         #Duration
		dispatch_timeout?:          #Duration
		cleanup_timeout?:           #Duration
		max_concurrent_provisions?: int & >=1
		retry?: {
			base?:        #Duration
			max_delay?:   #Duration
			max_retries?: int & >=0 & <=20
		}
	}

	workers?: {
		manager?: "pool" | "command"
		pool?: {
			hosts?:          [...#Host]
			reset_command?:  string
			probe_attempts?: int & >=0
		}
		command?: {
			hooks?: {
				provision?:    string
				ready?:        string
				destroy?:      string
				release?:      string
				architecture?: string
			}
			shell?: string
			env?: [string]: string
			hook_timeout?:   #Duration
			ready_interval?: #Duration
			placement?:      #Placement
			identity?:       #Identity
			user?:           string
			port?:           #Port
			sizing_script?:  string
			sizing_timeout?: #Duration
		}
	}

	dispatch?: {
		user?:                     string & !=""
		port?:                     #Port
		private_key_path?:         string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		spec_dir?:                 string & !=""
		agent_path?:               string & !=""
	}

	store?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	policy?: {
		paths?: [...string]
		watch?:                  bool
		environment?:            string
		allowed_image_prefixes?: [...string]
		allowed_destinations?:   [...=~"^(file|sftp)://"]
		max_labels?:             int & >=0
	}

	telemetry?: {
		environment?:       string
		log_level?:         "trace" | "debug" | "info" | "warn" | "error"
		log_format?:        "console" | "json"
		log_output?:        string
		log_caller?:        bool
		log_events?:        bool
		event_buffer?:      int & >=0
		metrics_enabled?:   bool
		metrics_namespace?: string
		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			endpoint?:       string
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			headers?: [string]: string
			insecure?: bool
		}
	}
}
`
