package tools

// InjectResult is returned by protocol-level tools that want an utterance
// spoken by the agent right after the function response is acknowledged
// (the agent_filler tool).
type InjectResult struct {
	Response  any
	Utterance string
}

// EndCallResult is returned by the end_call tool: the dispatcher sends the
// response, injects the farewell, and the session winds down once the
// farewell audio has been spoken.
type EndCallResult struct {
	Response any
	Farewell string
}
