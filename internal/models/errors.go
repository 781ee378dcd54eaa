package models

import "errors"

// Общие доменные ошибки сервиса историй.
var (
	// Ошибки сессий
	ErrSessionNotFound     = errors.New("story session not found")
	ErrSessionNotActive    = errors.New("story session is not active in memory")
	ErrSessionNotAnonymous = errors.New("story session is already owned")

	// Ошибки внешних API
	ErrMalformedModelOutput = errors.New("model response is not valid JSON of the expected shape")
	ErrUpstreamUnavailable  = errors.New("upstream API is unavailable")
	ErrStorageUploadFailed  = errors.New("durable storage upload failed")

	// Ошибки авторизации
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)
