package proxy

import (
	"bytes"
	"text/template"
)

var siteTemplate = template.Must(template.New("site").Parse(`server {
    listen 80;
    server_name {{.Host}};

    location / {
        proxy_pass http://localhost:{{.Port}};
        proxy_http_version 1.1;

        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection 'upgrade';
        proxy_set_header Host $host;
        proxy_cache_bypass $http_upgrade;

        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;

        proxy_read_timeout 300;
        proxy_connect_timeout 300;
        proxy_send_timeout 300;
    }
}
`))

// Render returns the nginx server block routing sub.baseDomain to localhost:port.
func Render(sub, baseDomain string, port int) ([]byte, error) {
	var buf bytes.Buffer
	err := siteTemplate.Execute(&buf, struct {
		Host string
		Port int
	}{Host: sub + "." + baseDomain, Port: port})
	return buf.Bytes(), err
}
