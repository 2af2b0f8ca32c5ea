package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/retrieval"
)

// ingester is the pipeline surface the tools call.
type ingester interface {
	Ingest(msg *model.PendingMessage) error
}

// retriever answers queries.
type retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	RetrieveAgentic(ctx context.Context, req retrieval.Request) (*retrieval.AgenticResponse, error)
}

// profileReader serves profile lookups.
type profileReader interface {
	Get(userID, groupID string) (*model.Profile, error)
}

// toolTimeout bounds one tool call.
const toolTimeout = 60 * time.Second

// RegisterMemoryTools wires the memory tools onto a server.
func RegisterMemoryTools(s *Server, pipeline ingester, engine retriever, profiles profileReader) {
	s.Register(Tool{
		Name:        "memorize",
		Description: "Record a chat message into long-term memory. Messages accumulate per conversation and are segmented into episodes in the background.",
		Schema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"content":     {Type: "string", Description: "The message text"},
				"sender_id":   {Type: "string", Description: "Stable ID of the sender"},
				"sender_name": {Type: "string", Description: "Display name of the sender (optional)"},
				"group_id":    {Type: "string", Description: "Conversation ID; omit for a private conversation"},
				"role":        {Type: "string", Description: "'user' or 'assistant' (default user)"},
				"message_id":  {Type: "string", Description: "Idempotency key; generated when omitted"},
			},
			Required: []string{"content", "sender_id"},
		},
		Handler: func(args map[string]any) (string, error) {
			msg := &model.PendingMessage{
				MessageID:  stringArg(args, "message_id"),
				GroupID:    stringArg(args, "group_id"),
				SenderID:   stringArg(args, "sender_id"),
				SenderName: stringArg(args, "sender_name"),
				Role:       model.Role(stringArg(args, "role")),
				Content:    stringArg(args, "content"),
				CreatedAt:  time.Now(),
			}
			if msg.MessageID == "" {
				msg.MessageID = uuid.NewString()
			}
			if msg.Role == "" {
				msg.Role = model.RoleUser
			}
			if err := pipeline.Ingest(msg); err != nil {
				return "", err
			}
			return fmt.Sprintf("Recorded message %s", msg.MessageID), nil
		},
	})

	s.Register(Tool{
		Name:        "retrieve",
		Description: "Search long-term memory. Returns episodes, atomic events, and semantic memories ranked by combined lexical and vector relevance.",
		Schema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"query":               {Type: "string", Description: "Natural language query"},
				"scope":               {Type: "string", Description: "'all' (default), 'personal', or 'group'"},
				"group_id":            {Type: "string", Description: "Restrict to one conversation (optional)"},
				"user_id":             {Type: "string", Description: "Restrict to memories owned by this user (optional)"},
				"participant_user_id": {Type: "string", Description: "Widen to memories where this user participated (optional)"},
				"method":              {Type: "string", Description: "'rrf' (default), 'bm25', or 'embedding'"},
				"limit":               {Type: "number", Description: "Max results (default 10)"},
				"from":                {Type: "string", Description: "RFC 3339 lower time bound (optional)"},
				"to":                  {Type: "string", Description: "RFC 3339 upper time bound (optional)"},
				"radius":              {Type: "number", Description: "Minimum cosine similarity for vector hits (optional)"},
			},
			Required: []string{"query"},
		},
		Handler: func(args map[string]any) (string, error) {
			ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
			defer cancel()
			resp, err := engine.Retrieve(ctx, requestFromArgs(args))
			if err != nil {
				return "", err
			}
			return marshalResult(resp)
		},
	})

	s.Register(Tool{
		Name:        "retrieve_agentic",
		Description: "Search long-term memory with a self-judging second round: the model checks whether the first results answer the query and refines the search when they do not.",
		Schema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"query":               {Type: "string", Description: "Natural language query"},
				"scope":               {Type: "string", Description: "'all' (default), 'personal', or 'group'"},
				"group_id":            {Type: "string", Description: "Restrict to one conversation (optional)"},
				"user_id":             {Type: "string", Description: "Restrict to memories owned by this user (optional)"},
				"participant_user_id": {Type: "string", Description: "Widen to memories where this user participated (optional)"},
				"limit":               {Type: "number", Description: "Max results (default 10)"},
			},
			Required: []string{"query"},
		},
		Handler: func(args map[string]any) (string, error) {
			ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
			defer cancel()
			resp, err := engine.RetrieveAgentic(ctx, requestFromArgs(args))
			if err != nil {
				return "", err
			}
			return marshalResult(resp)
		},
	})

	s.Register(Tool{
		Name:        "get_profile",
		Description: "Get the current profile of a user: their accumulated traits with supporting evidence.",
		Schema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"user_id":  {Type: "string", Description: "Stable ID of the user"},
				"group_id": {Type: "string", Description: "Conversation scope; omit for the private scope"},
			},
			Required: []string{"user_id"},
		},
		Handler: func(args map[string]any) (string, error) {
			p, err := profiles.Get(stringArg(args, "user_id"), stringArg(args, "group_id"))
			if err != nil {
				return "", err
			}
			return marshalResult(p)
		},
	})
}

func requestFromArgs(args map[string]any) retrieval.Request {
	req := retrieval.Request{
		Query:             stringArg(args, "query"),
		Method:            stringArg(args, "method"),
		Scope:             stringArg(args, "scope"),
		GroupID:           stringArg(args, "group_id"),
		UserID:            stringArg(args, "user_id"),
		ParticipantUserID: stringArg(args, "participant_user_id"),
	}
	if n, ok := args["limit"].(float64); ok {
		req.Limit = int(n)
	}
	if n, ok := args["radius"].(float64); ok {
		req.Radius = n
	}
	from := timeArg(args, "from")
	to := timeArg(args, "to")
	if !from.IsZero() || !to.IsZero() {
		req.TimeRange = &retrieval.TimeRange{From: from, To: to}
	}
	return req
}

func timeArg(args map[string]any, key string) time.Time {
	s, _ := args[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func marshalResult(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
