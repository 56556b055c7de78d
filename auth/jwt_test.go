package auth

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// run test command
// go test -v          								 	for all test
// go test ./...												for all test in parent folder
func TestMain(m *testing.M) {
	//before
	fmt.Println("\nSTART UNIT TEST 'jwt.go'")

	m.Run()

	//after
	fmt.Println("END UNIT TEST 'jwt.go'")
}

func Test_CreateAndValidateToken(t *testing.T) {
	asserts := assert.New(t)

	token, err := CreateJWTToken("267f591c-3de1-4dec-819a-00fe801de8ed", "ujang")
	asserts.NoError(err)
	asserts.NotEmpty(token)

	claims, err := ValidateToken(token)
	asserts.NoError(err)
	asserts.Equal("267f591c-3de1-4dec-819a-00fe801de8ed", claims.GetUID())
	asserts.Equal("ujang", claims.GetUsername())
	asserts.False(claims.IsExpired())
}

func Test_ValidateGarbageToken(t *testing.T) {
	asserts := assert.New(t)

	_, err := ValidateToken("aaaa.bbbb.cccc")
	asserts.Error(err)
}

func Test_ValidateTamperedToken(t *testing.T) {
	asserts := assert.New(t)

	token, err := CreateJWTToken("267f591c-3de1-4dec-819a-00fe801de8ed", "ujang")
	asserts.NoError(err)

	_, err = ValidateToken(token + "x")
	asserts.Error(err)
}
