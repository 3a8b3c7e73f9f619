package common

// Algorithms
const ALGORITHM_SINGLE = "single"
const ALGORITHM_DSFL = "dsfl"
const ALGORITHM_DSFL_PLUS = "dsflplus"

// OOD detection scores
const OOD_SCORE_ENERGY = "energy"
const OOD_SCORE_MSP = "msp"
const OOD_SCORE_MAX_LOGIT = "maxlogit"
const OOD_SCORE_GEN = "gen"
const OOD_SCORE_RANDOM = "random"

// Client state backends
const STATE_BACKEND_DIR = "dir"
const STATE_BACKEND_BOLT = "bolt"

// Partition strategies
const PARTITION_SHARDS = "shards"
const PARTITION_HETERO_DIR = "hetero_dir"
const PARTITION_CLIENT_INNER_DIR = "client_inner_dirichlet"

// Public/private split strategies
const SPLIT_EVEN_CLASS = "even_class"
const SPLIT_RANDOM_SAMPLE = "random_sample"

// Run directories
const STATE_DIR_PREFIX = "dsfl-"
const LOG_DIR = "log"
const RESULTS_DIR = "results"

// Events
const ROUND_FINISHED_EVENT_TYPE = "RoundFinished"
const FL_FINISHED_EVENT_TYPE = "FlFinished"

// Exit codes
const EXIT_OK = 0
const EXIT_CONFIG_ERROR = 2
const EXIT_FATAL = 3
const EXIT_INTERRUPTED = 130

// Metric names
const METRIC_ACCURACY = "test/accuracy"
const METRIC_LOSS = "test/loss"
const METRIC_CONSENSUS_SIZE = "consensus/size"
const METRIC_CONSENSUS_DROPPED = "consensus/dropped"
const METRIC_OOD_THRESHOLD = "ood/threshold"
const METRIC_OOD_ACCEPTANCE = "ood/acceptance"
const METRIC_COMM_ROUND_BYTES = "comm/round_bytes"
const METRIC_COMM_TOTAL_BYTES = "comm/total_bytes"
const METRIC_NUM_SAMPLED = "clients/sampled"
const METRIC_KD_LOSS = "server/kd_loss"
