package protocol

type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Client      ClientInfo `json:"client"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
}

type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	Version         string `json:"version"`
	Mode            string `json:"mode"`
	Platform        string `json:"platform"`
	DeviceFamily    string `json:"deviceFamily"`
	ModelIdentifier string `json:"modelIdentifier"`
}

type AuthInfo struct {
	Token string `json:"token"`
}

type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// DecodeConnectParams reads a connect request body. Missing fields stay zero.
func DecodeConnectParams(v Value) ConnectParams {
	p := ConnectParams{
		Role: v.Str("role"),
		Client: ClientInfo{
			ID:              v.Get("client").Str("id"),
			DisplayName:     v.Get("client").Str("displayName"),
			Version:         v.Get("client").Str("version"),
			Mode:            v.Get("client").Str("mode"),
			Platform:        v.Get("client").Str("platform"),
			DeviceFamily:    v.Get("client").Str("deviceFamily"),
			ModelIdentifier: v.Get("client").Str("modelIdentifier"),
		},
	}
	if n, ok := v.Get("minProtocol").AsInt(); ok {
		p.MinProtocol = int(n)
	}
	if n, ok := v.Get("maxProtocol").AsInt(); ok {
		p.MaxProtocol = int(n)
	}
	if scopes, ok := v.Get("scopes").AsArray(); ok {
		for _, s := range scopes {
			if str, ok := s.AsString(); ok {
				p.Scopes = append(p.Scopes, str)
			}
		}
	}
	if auth := v.Get("auth"); !auth.IsNull() {
		p.Auth = &AuthInfo{Token: auth.Str("token")}
	}
	return p
}

func DecodeChatSendParams(v Value) ChatSendParams {
	return ChatSendParams{
		SessionKey:     v.Str("sessionKey"),
		Message:        v.Str("message"),
		IdempotencyKey: v.Str("idempotencyKey"),
	}
}

func DecodeChatHistoryParams(v Value) ChatHistoryParams {
	p := ChatHistoryParams{SessionKey: v.Str("sessionKey")}
	if n, ok := v.Get("limit").AsInt(); ok {
		p.Limit = int(n)
	}
	return p
}
