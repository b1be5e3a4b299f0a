package extension

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.UsageBufferSize == 0 {
		cfg.UsageBufferSize = defaults.UsageBufferSize
	}
	if cfg.UsageBatchSize == 0 {
		cfg.UsageBatchSize = defaults.UsageBatchSize
	}
	if cfg.UsageFlushInterval == 0 {
		cfg.UsageFlushInterval = defaults.UsageFlushInterval
	}
	if cfg.TierCacheTTL == 0 {
		cfg.TierCacheTTL = defaults.TierCacheTTL
	}
	if cfg.ChargeTimeout == 0 {
		cfg.ChargeTimeout = defaults.ChargeTimeout
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if cfg.SweepConcurrency == 0 {
		cfg.SweepConcurrency = defaults.SweepConcurrency
	}
	if cfg.LowBalanceRatioBP == 0 {
		cfg.LowBalanceRatioBP = defaults.LowBalanceRatioBP
	}
	if cfg.LowBalanceInterval == 0 {
		cfg.LowBalanceInterval = defaults.LowBalanceInterval
	}
	if cfg.UsageRetention == 0 {
		cfg.UsageRetention = defaults.UsageRetention
	}

	s := &cfg.Scheduler
	if s.RefreshSchedule == "" && s.ExpirySchedule == "" && s.LowBalanceSchedule == "" && s.RetentionSchedule == "" {
		timeout := s.JobTimeout
		*s = defaults.Scheduler
		if timeout != 0 {
			s.JobTimeout = timeout
		}
	}
	if s.JobTimeout == 0 {
		s.JobTimeout = defaults.Scheduler.JobTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}

	// String fields: YAML takes precedence.
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&yamlConfig.CatalogFile, programmaticConfig.CatalogFile)
	fill(&yamlConfig.SignupBonus, programmaticConfig.SignupBonus)
	fill(&yamlConfig.CronSecret, programmaticConfig.CronSecret)
	fill(&yamlConfig.GroveDriver, programmaticConfig.GroveDriver)

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.UsageBufferSize == 0 {
		yamlConfig.UsageBufferSize = programmaticConfig.UsageBufferSize
	}
	if yamlConfig.UsageBatchSize == 0 {
		yamlConfig.UsageBatchSize = programmaticConfig.UsageBatchSize
	}
	if yamlConfig.UsageFlushInterval == 0 {
		yamlConfig.UsageFlushInterval = programmaticConfig.UsageFlushInterval
	}
	if yamlConfig.TierCacheTTL == 0 {
		yamlConfig.TierCacheTTL = programmaticConfig.TierCacheTTL
	}
	if yamlConfig.ChargeTimeout == 0 {
		yamlConfig.ChargeTimeout = programmaticConfig.ChargeTimeout
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
