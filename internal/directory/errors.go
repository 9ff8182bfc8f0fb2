package directory

import "fmt"

// AuthError reports a failure acquiring a bearer token from the auth
// endpoint. It is fatal to the request that triggered it; callers must not
// retry with the same credentials.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("directory auth failed: %v", e.Err)
	}
	return fmt.Sprintf("directory auth failed: status %d", e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError reports a non-2xx response from the directory service. The
// reconciler catches these per-item and folds them into the run log.
type RemoteError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("directory call %s %s failed: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}
