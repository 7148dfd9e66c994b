package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/blobs"
	"marketline/internal/domain"
	"marketline/internal/engine"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task and escrow max_price",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Description:          input.Body.Description,
			MinPrice:             input.Body.MinPrice,
			MaxPrice:             input.Body.MaxPrice,
			MatchExpiration:      time.Duration(input.Body.MatchExpirationSeconds) * time.Second,
			CompletionExpiration: time.Duration(input.Body.CompletionExpirationSeconds) * time.Second,
			Requester:            u,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks in submission order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"unassigned,accepted,completed,canceled"`
		RequestedBy string `query:"requested_by"`
		ExecutedBy  string `query:"executed_by"`
		Skip        int    `query:"skip" minimum:"0"`
		Limit       int    `query:"limit" minimum:"0" doc:"0 uses the server default"`
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAvailableTasks(ctx, engine.TaskQuery{
			Status:      domain.Status(input.Status),
			RequestedBy: input.RequestedBy,
			ExecutedBy:  input.ExecutedBy,
		}, u, input.Skip, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTask(ctx, input.TaskID, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	transitions := []struct {
		id, verb, summary string
		run               func(context.Context, string, domain.User) (domain.Task, error)
	}{
		{"accept-task", "accept", "Accept an unassigned task", e.AcceptTask},
		{"cancel-task", "cancel", "Cancel a task and refund escrow", e.CancelTask},
		{"complete-task", "complete", "Complete an accepted task and pay the worker", e.CompleteTask},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/" + tr.verb,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusPaymentRequired,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
			u, err := currentUser(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			t, err := tr.run(ctx, input.TaskID, u)
			if err != nil {
				return nil, handleError(err)
			}
			return &taskOutput{Body: taskResponse(t)}, nil
		})
	}
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-message",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/messages",
		Summary:       "Send a text or image message on an accepted task",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxRequestBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AddMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddMessage(ctx, input.TaskID, u, engine.MessageContent{
			Text:  input.Body.Text,
			Image: input.Body.Image,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/messages",
		Summary:     "List messages[start:end] in creation order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Start  int    `query:"start"`
		End    int    `query:"end" default:"-1" doc:"Exclusive; negative reads to the last message"`
	}) (*struct {
		Body messageList `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		var end *int
		if input.End >= 0 {
			end = &input.End
		}
		items, err := e.ListMessages(ctx, input.TaskID, u, input.Start, end)
		if err != nil {
			return nil, handleError(err)
		}
		resp := messageList{Items: make([]MessageResponse, 0, len(items))}
		for _, m := range items {
			resp.Items = append(resp.Items, messageResponse(m))
		}
		return &struct {
			Body messageList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-image",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/images/{ref}",
		Summary:     "Download an image attached to a message",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Ref    string `path:"ref"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := e.GetImage(ctx, input.TaskID, input.Ref, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: blobs.ContentType(data), Body: data}, nil
	})
}
