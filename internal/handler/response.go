package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/middleware"
	"github.com/hitoshi/achievedex/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
// ステータスはエラーコードから決まる。
func writeAPIErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteAPIError(w, apiErr)
}

// handleServiceError はサービス層から返されたエラーを統一エラーレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		writeAPIErrorResponse(w, apiErr)
	case errors.Is(err, model.ErrUnauthenticated):
		writeAPIErrorResponse(w, model.NewUnauthenticatedError("invalid token"))
	case errors.Is(err, model.ErrSubjectNotFound):
		writeAPIErrorResponse(w, model.NewUserNotFoundError())
	case errors.Is(err, model.ErrAccountNotConnected):
		writeAPIErrorResponse(w, model.NewAccountNotConnectedError(model.PlatformSteam))
	case errors.Is(err, model.ErrUpstreamNotConfigured):
		slog.Error("上流APIの認証情報が設定されていません", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, model.NewUpstreamNotConfiguredError())
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// requireSubject はコンテキストからSubjectIDを取り出す。取得できない場合は401を書き込みfalseを返す。
func requireSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	subjectID, err := middleware.SubjectIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, model.NewUnauthenticatedError("missing subject"))
		return "", false
	}
	return subjectID, true
}

// queryBool はクエリパラメータを真偽値として読む。未指定・不正値はfalse。
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// requireGameID はgameIdクエリを読む。空または数字以外を含む場合は400を書き込みfalseを返す。
func requireGameID(w http.ResponseWriter, r *http.Request) (string, bool) {
	gameID, ok := requireQuery(w, r, "gameId")
	if !ok {
		return "", false
	}
	if !achievement.ValidGameID(gameID) {
		writeAPIErrorResponse(w, model.NewInvalidParameterError("gameId"))
		return "", false
	}
	return gameID, true
}

// requireQuery は必須クエリパラメータを読む。空の場合は400を書き込みfalseを返す。
func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeAPIErrorResponse(w, model.NewInvalidParameterError(name))
		return "", false
	}
	return v, true
}
