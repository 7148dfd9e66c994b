package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"marketline/internal/engine"
)

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register the authenticated principal as a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUser(ctx, engine.RegisterOptions{
			ID:          p.UserID,
			DisplayName: input.Body.DisplayName,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Public profile of a user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, err := currentUser(ctx, e); err != nil {
			return nil, handleError(err)
		}
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := userResponse(u)
		// blocklists are private
		resp.BlockedUserIDs = []string{}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine, keys *keyResolver) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update profile and task floors",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		patch := engine.ProfilePatch{
			DisplayName:  input.Body.DisplayName,
			MinTaskPrice: input.Body.MinTaskPrice,
		}
		if input.Body.MinTaskDurationSeconds != nil {
			d := time.Duration(*input.Body.MinTaskDurationSeconds) * time.Second
			patch.MinTaskDuration = &d
		}
		u, err = e.UpdateProfile(ctx, u, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-user",
		Method:      http.MethodPost,
		Path:        "/me/blocks",
		Summary:     "Block a user",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BlockUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		u, err = e.BlockUser(ctx, u, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-user",
		Method:      http.MethodDelete,
		Path:        "/me/blocks/{user_id}",
		Summary:     "Unblock a user",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		u, err = e.UnblockUser(ctx, u, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		key, secret, err := e.CreateAPIKey(ctx, u, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, secret)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body apiKeyList `json:"body"`
	}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAPIKeys(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyList{Items: make([]APIKeyResponse, 0, len(items))}
		for _, k := range items {
			resp.Items = append(resp.Items, apiKeyResponse(k, ""))
		}
		return &struct {
			Body apiKeyList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		hash, err := e.RevokeAPIKey(ctx, u, input.KeyID)
		if hash != "" {
			keys.forget(hash)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
