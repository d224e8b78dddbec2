package orchestrator

import (
	"fmt"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

// Environment variable names injected into run containers. The APIFY_
// prefix is part of the external contract: third-party scraper SDKs read
// these names unchanged.
const (
	EnvRunID               = "APIFY_ACTOR_RUN_ID"
	EnvActorID             = "APIFY_ACTOR_ID"
	EnvUserID              = "APIFY_USER_ID"
	EnvToken               = "APIFY_TOKEN"
	EnvAPIBaseURL          = "APIFY_API_BASE_URL"
	EnvDefaultDatasetID    = "APIFY_DEFAULT_DATASET_ID"
	EnvDefaultKVStoreID    = "APIFY_DEFAULT_KEY_VALUE_STORE_ID"
	EnvDefaultRequestQueue = "APIFY_DEFAULT_REQUEST_QUEUE_ID"
	EnvIsAtHome            = "APIFY_IS_AT_HOME"
	EnvHeadless            = "APIFY_HEADLESS"
	EnvMemoryMbytes        = "APIFY_MEMORY_MBYTES"
	EnvTimeoutAt           = "APIFY_TIMEOUT_AT"
	EnvLocalStorageDir     = "APIFY_LOCAL_STORAGE_DIR"
)

// buildEnv materializes the fixed environment block for a run container.
func (s *Service) buildEnv(run *types.Run, token string, deadline time.Time) []string {
	return []string{
		fmt.Sprintf("%s=%s", EnvRunID, run.ID),
		fmt.Sprintf("%s=%s", EnvActorID, run.ActorID),
		fmt.Sprintf("%s=%s", EnvUserID, run.PrincipalID),
		fmt.Sprintf("%s=%s", EnvToken, token),
		fmt.Sprintf("%s=%s", EnvAPIBaseURL, s.cfg.APIBaseURL),
		fmt.Sprintf("%s=%s", EnvDefaultDatasetID, run.DefaultDatasetID),
		fmt.Sprintf("%s=%s", EnvDefaultKVStoreID, run.DefaultKeyValueStoreID),
		fmt.Sprintf("%s=%s", EnvDefaultRequestQueue, run.DefaultRequestQueueID),
		fmt.Sprintf("%s=1", EnvIsAtHome),
		fmt.Sprintf("%s=1", EnvHeadless),
		fmt.Sprintf("%s=%d", EnvMemoryMbytes, run.MemoryMbytes),
		fmt.Sprintf("%s=%s", EnvTimeoutAt, deadline.UTC().Format(time.RFC3339)),
		fmt.Sprintf("%s=%s", EnvLocalStorageDir, s.cfg.StorageRoot),
	}
}
