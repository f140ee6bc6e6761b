package core

// Session is the authentication collaborator. It knows whether a bearer
// credential is present and how to end the session.
type Session interface {
	// Token returns the bearer credential and whether it is usable.
	Token() (string, bool)
	// Username returns the local user, or "" when nobody is signed in.
	Username() UserHandle
	// Logout drops the credential. It is invoked on 401-class failures.
	Logout()
}

// Notifier presents the outcome of user-facing workflows.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Loading(msg string)
	Success(msg string)
	Error(msg string)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Loading(string) {}
func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}
