// Package config loads the factory server configuration.
//
// A configuration is a single CUE, YAML or JSON document with the sections
// server, orchestrator, workers, dispatch, store, policy and telemetry.
// Every document is unified with the built-in #Factory CUE schema, so
// unknown keys and out-of-range values are reported with their file
// position. Fields the document leaves unset take the values of Defaults.
//
// After decoding, FACTORY_* environment variables override selected fields
// (for example FACTORY_LISTEN, FACTORY_STORE_PATH, FACTORY_SSH_KEY and
// FACTORY_AWAIT_TIMEOUT) and the result is validated with
// go-playground/validator. Only the worker manager section selected by
// workers.manager is validated.
//
// # Usage
//
//	loader, err := config.NewLoader()
//	if err != nil {
//	    return err
//	}
//	cfg, err := loader.Load("factory.yaml")
//	if err != nil {
//	    return err
//	}
//	orch, err := engine.NewOrchestrator(engine.Options{
//	    Config: cfg.EngineConfig(),
//	    ...
//	})
//
// A minimal YAML document for a pool of two build hosts:
//
//	workers:
//	  manager: pool
//	  pool:
//	    hosts:
//	      - {id: build-1, address: 10.0.0.11, architecture: x86_64}
//	      - {id: build-2, address: 10.0.0.12, architecture: arm64}
//	dispatch:
//	  private_key_path: /etc/factory/id_ed25519
//	orchestrator:
//	  build_timeout: 360s
//	  await_timeout: 30m
package config
