package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/testutil"
	"chatrelay/internal/types"
)

// findCookie returns the named cookie from the recorded response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func newTestChatApp(t *testing.T, db database.ChatRepository) *ChatApp {
	return NewChatApp(
		http.NewServeMux(),
		testutil.TestLogger(t),
		nil,
		db,
		&config.Config{
			SigningKey: []byte("test-signing-key"),
		},
	)
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	return buf
}

func TestCreateAccountHandler(t *testing.T) {
	expectedUser := database.User{
		Id:        1,
		Username:  "newuser",
		CreatedAt: time.Now().UTC(),
	}

	tcases := []struct {
		name        string
		body        any
		success     bool
		mockUser    database.User
		mockErr     error
		expectedErr *ApiError
	}{
		{
			name: "successfully creates a new account",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Password: "password",
			},
			success:  true,
			mockUser: expectedUser,
		},
		{
			name:        "fails with invalid json body",
			body:        "invalid json",
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing username",
			body: RegisterRequest{
				Password: "password",
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with missing password",
			body: RegisterRequest{
				Username: expectedUser.Username,
			},
			expectedErr: NewBadRequestError(),
		},
		{
			name: "fails with duplicate username",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Password: "password",
			},
			mockErr:     &pq.Error{Code: "23505"},
			expectedErr: NewConflictError("username already exists"),
		},
		{
			name: "fails with db error",
			body: RegisterRequest{
				Username: expectedUser.Username,
				Password: "password",
			},
			mockErr:     errors.New("db error"),
			expectedErr: NewInternalServerError(errors.New("db error")),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)

			if tc.success || tc.mockErr != nil {
				mockRepo.On("CreateAccount", mock.AnythingOfType("database.CreateAccountParams")).
					Return(tc.mockUser, tc.mockErr).Once()
			}

			app := newTestChatApp(t, mockRepo)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/register", jsonBody(t, tc.body))
			app.createAccount(rr, req)

			if tc.success {
				assert.Equal(t, http.StatusCreated, rr.Code)

				var u types.User
				assert.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
				assert.Equal(t, expectedUser.Id, u.Id)
				assert.Equal(t, expectedUser.Username, u.Username)
			} else {
				assert.Equal(t, tc.expectedErr.StatusCode, rr.Code)

				var apiErr ApiError
				assert.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
				assert.Equal(t, tc.expectedErr.Message, apiErr.Message)
			}
		})
	}
}

func TestLoginHandler(t *testing.T) {
	passwordHash, err := hashPassword("password")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	dbUser := database.User{
		Id:           1,
		Username:     "testuser",
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	t.Run("successful login sets a session cookie", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByUsername", dbUser.Username).Return(dbUser, nil).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, LoginRequest{Username: dbUser.Username, Password: "password"}))
		app.login(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		cookie := findCookie(rr, tokenCookieKey)
		assert.NotNil(t, cookie, "expected session cookie to be set")

		userId, err := app.extractUserIdFromToken(cookie.Value)
		assert.NoError(t, err, "expected cookie to hold a valid token")
		assert.Equal(t, dbUser.Id, userId)

		var u types.User
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
		assert.Equal(t, dbUser.Username, u.Username)
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByUsername", dbUser.Username).Return(dbUser, nil).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, LoginRequest{Username: dbUser.Username, Password: "wrong"}))
		app.login(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Nil(t, findCookie(rr, tokenCookieKey), "expected no session cookie")
	})

	t.Run("unknown user is unauthorized", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountByUsername", "ghost").Return(database.User{}, sql.ErrNoRows).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, LoginRequest{Username: "ghost", Password: "password"}))
		app.login(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing credentials are a bad request", func(t *testing.T) {
		app := newTestChatApp(t, &database.MockChatRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			jsonBody(t, LoginRequest{Username: dbUser.Username}))
		app.login(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestSessionHandler(t *testing.T) {
	dbUser := database.User{
		Id:        1,
		Username:  "testuser",
		CreatedAt: time.Now().UTC(),
	}

	t.Run("returns the current user", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetAccountById", dbUser.Id).Return(dbUser, nil).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req = req.WithContext(WithUserId(req.Context(), dbUser.Id))
		app.session(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var u types.User
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&u))
		assert.Equal(t, dbUser.Username, u.Username)
	})

	t.Run("unauthorized without identity", func(t *testing.T) {
		app := newTestChatApp(t, &database.MockChatRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		app.session(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestLogoutHandler(t *testing.T) {
	app := newTestChatApp(t, &database.MockChatRepository{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil)
	app.logout(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)

	cookie := findCookie(rr, tokenCookieKey)
	assert.NotNil(t, cookie, "expected cookie to be overwritten")
	assert.Empty(t, cookie.Value, "expected cookie value to be cleared")
}

func TestGetMessagesHandler(t *testing.T) {
	t.Run("returns conversation messages", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("MembershipExists", 1, 10).Return(true).Once()
		mockRepo.On("GetMessages", 10).Return([]database.Message{
			{SeqId: 1, ConversationId: 10, UserId: 2, Username: "bob", Content: "hi", CreatedAt: time.Now().UTC()},
		}, nil).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id=10", nil)
		req = req.WithContext(WithUserId(req.Context(), 1))
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var messages []types.Message
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&messages))
		assert.Len(t, messages, 1)
		assert.Equal(t, "hi", messages[0].Content)
		assert.Equal(t, "bob", messages[0].Username)
	})

	t.Run("forbidden for non-member", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("MembershipExists", 1, 10).Return(false).Once()

		app := newTestChatApp(t, mockRepo)

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id=10", nil)
		req = req.WithContext(WithUserId(req.Context(), 1))
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		mockRepo.AssertNotCalled(t, "GetMessages", 10)
	})

	t.Run("bad request without conversation id", func(t *testing.T) {
		app := newTestChatApp(t, &database.MockChatRepository{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
		req = req.WithContext(WithUserId(req.Context(), 1))
		app.getMessages(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
