package wire

import (
	"fmt"
	"unicode/utf8"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/users"
)

type ConnectRequest struct {
	Path     string `msgpack:"p"`
	User     string `msgpack:"u"`
	Password string `msgpack:"pw"`
}

func (r *ConnectRequest) validate() error {
	if r.User == "" {
		return fmt.Errorf("missing user name")
	}
	return nil
}

// ConnectCode is the outcome of a handshake.
type ConnectCode uint8

const (
	ConnectOK ConnectCode = iota
	RequestError
	UserNotFound
	PasswordError
	OpenFileError
	PathError
	ServerError
)

var connectCodeNames = [...]string{
	ConnectOK:     "ok",
	RequestError:  "request error",
	UserNotFound:  "user not found",
	PasswordError: "password error",
	OpenFileError: "open file error",
	PathError:     "path error",
	ServerError:   "server error",
}

func (c ConnectCode) String() string {
	if int(c) < len(connectCodeNames) {
		return connectCodeNames[c]
	}
	return fmt.Sprintf("ConnectCode(%d)", uint8(c))
}

type UserInfo struct {
	Name  string      `msgpack:"n"`
	Level users.Level `msgpack:"l"`
}

type ConnectReply struct {
	Code    ConnectCode `msgpack:"c"`
	User    *UserInfo   `msgpack:"u,omitempty"`
	Message string      `msgpack:"m,omitempty"`
}

// Err returns nil for a successful reply and a *ConnectError otherwise.
func (r *ConnectReply) Err() error {
	if r.Code == ConnectOK {
		return nil
	}
	return &ConnectError{Code: r.Code, Message: r.Message}
}

type ConnectError struct {
	Code    ConnectCode
	Message string
}

func (e *ConnectError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rordb: connect: %v: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rordb: connect: %v", e.Code)
}

type OpCode uint8

const (
	OpGet OpCode = iota + 1
	OpAdd
	OpDelete
	OpCompact
	OpGetType
	OpCreateUser
	OpDeleteUser
	OpQuit
)

var opNames = [...]string{
	OpGet:        "get",
	OpAdd:        "add",
	OpDelete:     "delete",
	OpCompact:    "compact",
	OpGetType:    "type",
	OpCreateUser: "create-user",
	OpDeleteUser: "delete-user",
	OpQuit:       "quit",
}

func (op OpCode) String() string {
	if op > 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("OpCode(%d)", uint8(op))
}

// Required returns the minimum level allowed to run op.
func (op OpCode) Required() users.Level {
	switch op {
	case OpGet, OpGetType, OpQuit:
		return users.ReadOnly
	case OpAdd, OpDelete, OpCompact:
		return users.ReadWrite
	case OpCreateUser, OpDeleteUser:
		return users.SuperAdmin
	default:
		panic(fmt.Errorf("wire: unknown op %v", op))
	}
}

// OperateRequest is a tagged union discriminated by Op; only the fields that
// op uses are set.
type OperateRequest struct {
	Op       OpCode       `msgpack:"op"`
	Key      string       `msgpack:"k,omitempty"`
	Value    *rordb.Value `msgpack:"v,omitempty"`
	Name     string       `msgpack:"n,omitempty"`
	Password string       `msgpack:"pw,omitempty"`
	Level    users.Level  `msgpack:"l,omitempty"`
}

func Get(key string) OperateRequest {
	return OperateRequest{Op: OpGet, Key: key}
}
func GetType(key string) OperateRequest {
	return OperateRequest{Op: OpGetType, Key: key}
}
func Delete(key string) OperateRequest {
	return OperateRequest{Op: OpDelete, Key: key}
}
func Compact() OperateRequest {
	return OperateRequest{Op: OpCompact}
}
func Quit() OperateRequest {
	return OperateRequest{Op: OpQuit}
}
func DeleteUser(name string) OperateRequest {
	return OperateRequest{Op: OpDeleteUser, Name: name}
}

func Add(key string, value rordb.Value) OperateRequest {
	return OperateRequest{Op: OpAdd, Key: key, Value: &value}
}

func CreateUser(name, password string, level users.Level) OperateRequest {
	return OperateRequest{Op: OpCreateUser, Name: name, Password: password, Level: level}
}

func (r *OperateRequest) validate() error {
	switch r.Op {
	case OpGet, OpGetType, OpDelete:
		if r.Key == "" {
			return fmt.Errorf("%v without a key", r.Op)
		}
	case OpAdd:
		if r.Key == "" || r.Value == nil {
			return fmt.Errorf("%v without a key or value", r.Op)
		}
	case OpCreateUser, OpDeleteUser:
		if r.Name == "" {
			return fmt.Errorf("%v without a user name", r.Op)
		}
	case OpCompact, OpQuit:
	default:
		return fmt.Errorf("unknown op %d", uint8(r.Op))
	}
	if !utf8.ValidString(r.Key) {
		return fmt.Errorf("%v with a key that is not valid UTF-8", r.Op)
	}
	return nil
}

type ResultCode uint8

const (
	ResultSuccess ResultCode = iota
	ResultFound
	ResultType
	ResultPermissionDenied
	ResultKeyNotFound
	ResultFailure
)

var resultNames = [...]string{
	ResultSuccess:          "success",
	ResultFound:            "found",
	ResultType:             "type",
	ResultPermissionDenied: "permission denied",
	ResultKeyNotFound:      "key not found",
	ResultFailure:          "failure",
}

func (c ResultCode) String() string {
	if int(c) < len(resultNames) {
		return resultNames[c]
	}
	return fmt.Sprintf("ResultCode(%d)", uint8(c))
}

// OperateResult carries Value for ResultFound, Type for ResultType and an
// optional Message for ResultFailure.
type OperateResult struct {
	Code    ResultCode   `msgpack:"c"`
	Value   *rordb.Value `msgpack:"v,omitempty"`
	Type    string       `msgpack:"t,omitempty"`
	Message string       `msgpack:"m,omitempty"`
}

func Success() OperateResult {
	return OperateResult{Code: ResultSuccess}
}
func PermissionDenied() OperateResult {
	return OperateResult{Code: ResultPermissionDenied}
}
func KeyNotFound() OperateResult {
	return OperateResult{Code: ResultKeyNotFound}
}
func TypeName(name string) OperateResult {
	return OperateResult{Code: ResultType, Type: name}
}

func Found(value rordb.Value) OperateResult {
	return OperateResult{Code: ResultFound, Value: &value}
}

func Failure(format string, args ...any) OperateResult {
	return OperateResult{Code: ResultFailure, Message: fmt.Sprintf(format, args...)}
}

func (r *OperateResult) validate() error {
	if int(r.Code) >= len(resultNames) {
		return fmt.Errorf("unknown result code %d", uint8(r.Code))
	}
	if r.Code == ResultFound && r.Value == nil {
		return fmt.Errorf("found result without a value")
	}
	return nil
}
