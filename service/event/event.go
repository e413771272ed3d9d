package event

import "time"

type Context struct {
	RunID       string `json:"runID"`
	TestCase    string `json:"testCase"`
	EventType   string `json:"eventType"`
	Component   string `json:"component"`
	TimeTakenMs int    `json:"timeTakenMs"`
}

type Event[T any] struct {
	Context   *Context               `json:"context"`
	CreatedAt time.Time              `json:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata"`
	Data      T                      `json:"data"`
}

func NewEvent[T any](context *Context, data T) *Event[T] {
	return &Event[T]{
		Context:   context,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]interface{}),
		Data:      data,
	}
}
