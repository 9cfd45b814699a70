package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface is the set of operations exposed over HTTP.
type ServerInterface interface {
	// (GET /health)
	Health(w http.ResponseWriter, r *http.Request)
	// (POST /v1/claims/{key})
	CreateClaim(w http.ResponseWriter, r *http.Request, key string)
	// (GET /v1/claims/{key})
	ReadClaim(w http.ResponseWriter, r *http.Request, key string)
	// (PUT /v1/claims/{key})
	UpdateClaim(w http.ResponseWriter, r *http.Request, key string)
	// (DELETE /v1/claims/{key})
	RemoveClaim(w http.ResponseWriter, r *http.Request, key string)
	// (GET /v1/events)
	StreamEvents(w http.ResponseWriter, r *http.Request)
}

type MiddlewareFunc func(http.Handler) http.Handler

// ServerInterfaceWrapper converts path parameters and applies per-operation
// middlewares before calling the handler.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
	// ClaimMiddlewares wrap the four claim operations only.
	ClaimMiddlewares []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error { return e.Err }

func (siw *ServerInterfaceWrapper) Health(w http.ResponseWriter, r *http.Request) {
	siw.Handler.Health(w, r)
}

func (siw *ServerInterfaceWrapper) StreamEvents(w http.ResponseWriter, r *http.Request) {
	siw.Handler.StreamEvents(w, r)
}

func (siw *ServerInterfaceWrapper) claimOp(op func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var key string
		err := runtime.BindStyledParameterWithLocation("simple", false, "key", runtime.ParamLocationPath, chi.URLParam(r, "key"), &key)
		if err != nil {
			siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "key", Err: err})
			return
		}

		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op(w, r, key)
		})
		for i := len(siw.ClaimMiddlewares) - 1; i >= 0; i-- {
			handler = siw.ClaimMiddlewares[i](handler)
		}
		handler.ServeHTTP(w, r)
	}
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	ClaimMiddlewares []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) emptyKey(w http.ResponseWriter, r *http.Request) {
	siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "key", Err: errors.New("empty key")})
}

// HandlerWithOptions mounts si on options.BaseRouter (or a new router).
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:          si,
		ClaimMiddlewares: options.ClaimMiddlewares,
		ErrorHandlerFunc: options.ErrorHandlerFunc,
	}

	r.Get(options.BaseURL+"/health", wrapper.Health)
	r.Post(options.BaseURL+"/v1/claims/{key}", wrapper.claimOp(si.CreateClaim))
	r.Get(options.BaseURL+"/v1/claims/{key}", wrapper.claimOp(si.ReadClaim))
	r.Put(options.BaseURL+"/v1/claims/{key}", wrapper.claimOp(si.UpdateClaim))
	r.Delete(options.BaseURL+"/v1/claims/{key}", wrapper.claimOp(si.RemoveClaim))
	// Keys are non-empty in path form; the bare collection path is a malformed key.
	for _, m := range []string{http.MethodPost, http.MethodGet, http.MethodPut, http.MethodDelete} {
		r.Method(m, options.BaseURL+"/v1/claims/", http.HandlerFunc(wrapper.emptyKey))
	}
	r.Get(options.BaseURL+"/v1/events", wrapper.StreamEvents)
	return r
}
