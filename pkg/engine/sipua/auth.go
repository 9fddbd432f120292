package sipua

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// needsAuth ответ требует авторизации.
func needsAuth(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}

// authorize добавляет в запрос ответ на digest вызов и готовит его
// к повторной отправке новой транзакцией.
func authorize(req *sip.Request, res *sip.Response, username, password string) error {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return errors.Errorf("в ответе %d нет заголовка %s", res.StatusCode, challengeHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return errors.Wrap(err, "ошибка разбора digest вызова")
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return errors.Wrap(err, "ошибка вычисления digest")
	}

	req.RemoveHeader(authHeader)
	req.AppendHeader(sip.NewHeader(authHeader, cred.String()))

	// новая транзакция: новый CSeq и Via с новым branch
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.RemoveHeader("Via")
	return nil
}
