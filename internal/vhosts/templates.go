package vhosts

import (
	htmltemplate "html/template"
	"text/template"
)

var nginxBaseTemplate = template.Must(template.New("nginx.conf").Parse(`user www-data;
worker_processes auto;
pid /run/nginx.pid;
worker_rlimit_nofile 8192;

events {
    worker_connections 4096;
}

http {
    sendfile on;
    tcp_nopush on;
    types_hash_max_size 2048;
    server_names_hash_bucket_size 256;
    server_names_hash_max_size 8192;

    include /etc/nginx/mime.types;
    default_type application/octet-stream;

    ssl_protocols TLSv1.2 TLSv1.3;

    access_log /var/log/nginx/access.log;
    error_log /var/log/nginx/error.log;

    # Web content root: {{.WWWDir}}
    # Include all vhost configurations from vhosts_config
    include {{.VhostsConfigDir}}/*/nginx.conf;
}
`))

var nginxVhostTemplate = template.Must(template.New("vhost").Parse(`server {
    listen 80;
    listen 443 ssl;
    server_name {{.Host}};

    ssl_certificate {{.CertPath}};
    ssl_certificate_key {{.KeyPath}};

    root {{.HTMLDir}};
    index index.html index.htm;

    access_log /var/log/nginx/{{.Host}}-access.log;
    error_log /var/log/nginx/{{.Host}}-error.log;

    location / {
        try_files $uri $uri/ $uri.html =404;
    }
}
`))

var landingTemplate = htmltemplate.Must(htmltemplate.New("fauxnet.info").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <title>Fauxnet</title>
  </head>
  <body>
    <h1>Fauxnet virtual hosts</h1>
    <p>Install the <a href="/fauxnet_ca.cer">Fauxnet CA certificate</a> to browse the HTTPS sites without warnings.</p>
    <ul>
{{- range .Hosts}}
      <li><a href="//{{.}}">{{.}}</a></li>
{{- end}}
    </ul>
    <p>{{len .Hosts}} sites, generated {{.Generated}}</p>
  </body>
</html>
`))

const ncsiIndex = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Microsoft Network Connectivity Status Indicator</title>
</head>
<body>
    <h1>Microsoft NCSI</h1>
    <p>Windows requests <code>/ncsi.txt</code> from this host to detect internet connectivity.</p>
</body>
</html>
`
