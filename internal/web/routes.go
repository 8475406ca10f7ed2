package web

const (
	Mix      = "/mix"
	Classify = "/classify"
	Models   = "/models"
	Health   = "/health"
	Metrics  = "/metrics"
)

// Form field names shared by /mix and /classify.
const (
	FieldImages     = "images"
	FieldQwenServer = "qwen_server"
	FieldQwenModel  = "qwen_model"
	FieldQwenKey    = "qwen_api_key"
	FieldCGServer   = "cg_server"
	FieldCGModel    = "cg_model"
	FieldCGKey      = "cg_api_key"
	FieldPrompt     = "prompt"
	FieldMaxTokens  = "max_tokens"
	FieldMaxParas   = "max_paras"
	FieldMaxItems   = "max_items"
)

const (
	defaultMaxParas = 2000
	defaultMaxItems = 5
)
