package model

import (
	"encoding/json"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is a single read from one of the output streams of a script.
type Chunk struct {
	Stream Stream
	Data   []byte
}

type chunkJSON struct {
	Channel Stream `json:"channel"`
	Text    string `json:"text"`
}

func (c Chunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkJSON{Channel: c.Stream, Text: string(c.Data)})
}

func (c *Chunk) UnmarshalJSON(b []byte) error {
	var j chunkJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	c.Stream = j.Channel
	c.Data = []byte(j.Text)
	return nil
}

// Result is what a caller gets back for a single actor invocation.
//
// ExitCode is nil while the script is still running (Detached) or when it
// has been terminated by a signal. Output is only populated in attached mode.
type Result struct {
	ExitCode *int    `json:"exitCode"`
	Output   []Chunk `json:"output"`
	Error    *string `json:"error"`
	Detached bool    `json:"detached"`
}

// DetachedResult is the acknowledgment returned once the attach timeout elapsed.
func DetachedResult() Result {
	return Result{
		Output:   []Chunk{},
		Detached: true,
	}
}
