// Package llm is a small client for OpenAI-compatible chat-completion servers
// (OpenAI, OpenRouter, Ollama, vLLM and similar).
//
// A Client is bound to one server and one key and owns its connection pool:
//
//	client, err := llm.NewClient(
//	    llm.WithBaseURL("http://localhost:11434/v1/chat/completions"),
//	    llm.WithAPIKey("not-needed"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// # Model availability
//
// ListModels never fails; an empty result means the server could not be asked.
//
//	models := client.ListModels(ctx)
//
// # Completion
//
// Complete returns plain text. With Stream set the server-sent events are
// decoded and concatenated before Complete returns.
//
//	text, err := client.Complete(ctx, llm.CompletionRequest{
//	    Model: "qwen3-vl:8b-instruct",
//	    Messages: []llm.Message{
//	        llm.UserMessage(llm.TextPart("Describe the image"), llm.ImagePart(dataURI)),
//	    },
//	    Stream: true,
//	})
package llm
