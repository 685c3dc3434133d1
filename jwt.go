package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the workspace session token.
// parsed unverified: validation is the server's job, the client only needs
// the identity fields to label its own presence and rest calls.
type ByJwt struct {
	UserId   int64
	Username string
	Email    string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userId, ok := claims["user_id"]; ok {
		switch v := userId.(type) {
		case float64:
			byJwt.UserId = int64(v)
		case int64:
			byJwt.UserId = v
		}
	}
	if username, ok := claims["username"]; ok {
		if v, ok := username.(string); ok {
			byJwt.Username = v
		}
	}
	if email, ok := claims["email"]; ok {
		if v, ok := email.(string); ok {
			byJwt.Email = v
		}
	}

	return byJwt, nil
}
