package core

import "time"

// Environment variable names recognized by Config.Load.
const (
	EnvDailyCostLimit    = "ADT_DAILY_COST_LIMIT"
	EnvMaxConcurrentFix  = "ADT_MAX_CONCURRENT_FIXES"
	EnvFixTimeoutMinutes = "ADT_FIX_TIMEOUT_MINUTES"
	EnvMaxFixRetries     = "ADT_MAX_FIX_RETRIES"
	EnvAutoDeployEnabled = "ADT_AUTO_DEPLOY_ENABLED"
	EnvRepoPath          = "ADT_REPO_PATH"
	EnvDefaultBranch     = "ADT_DEFAULT_BRANCH"
	EnvCIPollInterval    = "ADT_CI_POLL_INTERVAL_SECONDS"
	EnvCITotalTimeout    = "ADT_CI_TOTAL_TIMEOUT_MINUTES"
	EnvHealthCheckURL    = "ADT_HEALTH_CHECK_URL"
	EnvDeployTimeout     = "ADT_DEPLOY_TIMEOUT_SECONDS"
	EnvDBPath            = "ADT_DB_PATH"
	EnvLLMAPIKey         = "ANTHROPIC_API_KEY"
	EnvRedisURL          = "REDIS_URL"
	EnvLogLevel          = "ADT_LOG_LEVEL"
)

// Default timeouts and caps per spec.md §5 and §6.
const (
	DefaultSubprocessTimeout = 300 * time.Second
	DefaultDeployTimeout     = 600 * time.Second
	DefaultCIWaitPerCycle    = 15 * time.Minute
	DefaultApprovalTimeout   = 30 * time.Minute
	DefaultHealthCheckWait   = 90 * time.Second
	DefaultCIRepairSleep     = 10 * time.Second
	DefaultLessonSettleWait  = 10 * time.Second

	DefaultMaxFixRetries     = 3
	DefaultMaxConcurrentFix  = 3
	DefaultRelevantLessonCap = 5
	DefaultSimilarityThresh  = 0.5

	DefaultFuzzyMatchThreshold = 0.85
	MaxAnchorWindowLines       = 30
)
